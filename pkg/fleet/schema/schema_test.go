package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDriver() map[string]string {
	return map[string]string{
		"firstName":      "John",
		"lastName":       "Doe",
		"email":          "john.doe@example.com",
		"phone":          "+1 (555) 123-4567",
		"licenseNumber":  "DL-123456",
		"licenseType":    "class_a",
		"licenseExpiry":  "2025-06-30",
		"status":         "on_duty",
		"currentVehicle": "VEH-001",
	}
}

func fieldOf(t *testing.T, err error) string {
	var fe *FieldError
	require.True(t, errors.As(err, &fe), "expected FieldError, got %v", err)
	return fe.Field
}

func TestValidateRecord(t *testing.T) {
	assert.NoError(t, Driver.ValidateRecord(validDriver()))

	missing := validDriver()
	delete(missing, "email")
	assert.Equal(t, "email", fieldOf(t, Driver.ValidateRecord(missing)))

	unknown := validDriver()
	unknown["salary"] = "1"
	assert.Equal(t, "salary", fieldOf(t, Driver.ValidateRecord(unknown)))
}

func TestValidateChanges(t *testing.T) {
	assert.NoError(t, Driver.ValidateChanges(map[string]string{"lastName": "Smith"}))
	assert.NoError(t, Driver.ValidateChanges(map[string]string{"notes": ""}))

	cases := map[string]map[string]string{
		"status":        {"status": "driving"},
		"licenseExpiry": {"licenseExpiry": "30/06/2025"},
		"email":         {"email": "not-an-email"},
		"firstName":     {"firstName": ""},
		"unknownField":  {"unknownField": "x"},
	}
	for field, changes := range cases {
		err := Driver.ValidateChanges(changes)
		assert.Equal(t, field, fieldOf(t, err))
	}

	err := Driver.ValidateChanges(map[string]string{})
	assert.Equal(t, "", fieldOf(t, err))
}

func TestVehicleRules(t *testing.T) {
	v := map[string]string{
		"plateNumber": "ABC-123",
		"make":        "Volvo",
		"model":       "FH16",
		"year":        "2021",
		"status":      "active",
	}
	assert.NoError(t, Vehicle.ValidateRecord(v))

	assert.Equal(t, "year", fieldOf(t, Vehicle.ValidateChanges(map[string]string{"year": "21"})))
	assert.Equal(t, "vin", fieldOf(t, Vehicle.ValidateChanges(map[string]string{"vin": "short"})))
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"company", "driver", "vehicle"}, r.Kinds())

	refs := r["driver"].References()
	require.Len(t, refs, 2)
	assert.Equal(t, "currentVehicle", refs[0].Name)
	assert.Equal(t, "vehicle", refs[0].Reference)
}
