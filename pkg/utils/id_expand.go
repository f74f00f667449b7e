package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MaxExpandedIDs bounds how many ids one bracket expression may produce.
const MaxExpandedIDs = 1000

var IsRecordID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]{0,99}$`).MatchString

// ExpandIDs expands an id with range brackets like DRV-[001-003,007]. A bound
// written with leading zeros keeps its width.
func ExpandIDs(input string) ([]string, error) {
	open := strings.Index(input, "[")
	closing := strings.Index(input, "]")
	if open < 0 || closing < 0 {
		return []string{input}, nil
	}
	if closing < open {
		return nil, fmt.Errorf("invalid brackets in '%s'", input)
	}

	prefix := input[:open]
	suffix := input[closing+1:]
	rangePart := input[open+1 : closing]

	var result []string
	for _, part := range strings.Split(rangePart, ",") {
		if strings.Contains(part, "-") {
			rangeBounds := strings.Split(part, "-")
			if len(rangeBounds) != 2 {
				return nil, fmt.Errorf("invalid range format in '%s'", part)
			}
			start, err := strconv.Atoi(rangeBounds[0])
			if err != nil {
				return nil, fmt.Errorf("invalid start value in range '%s'", part)
			}
			end, err := strconv.Atoi(rangeBounds[1])
			if err != nil {
				return nil, fmt.Errorf("invalid end value in range '%s'", part)
			}
			if start > end {
				return nil, fmt.Errorf("start value cannot be greater than end value in range '%s'", part)
			}
			if end-start >= MaxExpandedIDs-len(result) {
				return nil, fmt.Errorf("range '%s' expands to more than %d ids", part, MaxExpandedIDs)
			}
			width := padWidth(rangeBounds[0])
			for i := start; i <= end; i++ {
				result = append(result, fmt.Sprintf("%s%0*d%s", prefix, width, i, suffix))
			}
		} else {
			value, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid value '%s'", part)
			}
			if len(result) >= MaxExpandedIDs {
				return nil, fmt.Errorf("'%s' expands to more than %d ids", input, MaxExpandedIDs)
			}
			result = append(result, fmt.Sprintf("%s%0*d%s", prefix, padWidth(part), value, suffix))
		}
	}

	return result, nil
}

func padWidth(bound string) int {
	if len(bound) > 1 && bound[0] == '0' {
		return len(bound)
	}
	return 0
}
