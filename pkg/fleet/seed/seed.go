// Package seed loads initial records from a YAML file and re-applies it when
// the file changes. Seeding only creates missing records; it never
// overwrites one that already exists.
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/yowenter/fleetd/pkg/fleet"
	"github.com/yowenter/fleetd/pkg/types"
)

type SeedFile struct {
	Companies map[string]map[string]string `yaml:"companies"`
	Vehicles  map[string]map[string]string `yaml:"vehicles"`
	Drivers   map[string]map[string]string `yaml:"drivers"`
}

type Creator interface {
	CreateRecord(ctx context.Context, kind, id string, fields map[string]string) (*types.Record, error)
}

func Load(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sf SeedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return &sf, nil
}

// Apply creates every record in sf that does not exist yet and returns how
// many were created. Companies go first so references resolve in order.
func Apply(ctx context.Context, c Creator, sf *SeedFile) (int, error) {
	created := 0
	for _, group := range []struct {
		kind    string
		records map[string]map[string]string
	}{
		{types.KIND_COMPANY, sf.Companies},
		{types.KIND_VEHICLE, sf.Vehicles},
		{types.KIND_DRIVER, sf.Drivers},
	} {
		ids := make([]string, 0, len(group.records))
		for id := range group.records {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			_, err := c.CreateRecord(ctx, group.kind, id, group.records[id])
			switch {
			case errors.Is(err, fleet.ErrAlreadyExists):
				log.Debugf("seed %s %s already exists", group.kind, id)
			case err != nil:
				return created, fmt.Errorf("seed %s %s: %w", group.kind, id, err)
			default:
				created++
			}
		}
	}
	return created, nil
}

func applyFile(ctx context.Context, c Creator, path string) {
	sf, err := Load(path)
	if err != nil {
		log.Errorf("load seed file err %v", err)
		return
	}
	n, err := Apply(ctx, c, sf)
	if err != nil {
		log.Errorf("apply seed file %v err %v", path, err)
	}
	log.Infof("seed file %v applied, %d records created", path, n)
}

// Watch applies path once and again on every write, until ctx is done. The
// parent directory is watched so editors that replace the file are seen.
func Watch(ctx context.Context, c Creator, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	applyFile(ctx, c, abs)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			changed := event.Has(fsnotify.Write) || event.Has(fsnotify.Create)
			if !changed || filepath.Clean(event.Name) != abs {
				continue
			}
			log.Infof("seed file changed: %s", event.Name)
			applyFile(ctx, c, abs)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("seed watcher error: %v", err)
		}
	}
}
