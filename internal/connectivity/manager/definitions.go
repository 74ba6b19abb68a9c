package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/connectivity/store"
)

// LoadDefinition reads and validates one YAML connection definition.
func LoadDefinition(path string) (*connectivity.Connection, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("reading connection definition: %w", err)
	}
	return ParseDefinition(data)
}

// ParseDefinition decodes and validates a YAML connection definition.
// Unknown keys are rejected.
func ParseDefinition(data []byte) (*connectivity.Connection, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var conn connectivity.Connection
	if err := dec.Decode(&conn); err != nil {
		return nil, fmt.Errorf("%w: %w", connectivity.ErrInvalidConnection, err)
	}
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	return &conn, nil
}

// LoadDefinitions reads every *.yaml and *.yml file of dir in name
// order. All files are checked; the errors are joined.
func LoadDefinitions(dir string) ([]*connectivity.Connection, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading definitions directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var (
		out  []*connectivity.Connection
		errs []error
		seen = make(map[string]string)
	)
	for _, name := range names {
		conn, err := LoadDefinition(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if prev, dup := seen[conn.ID]; dup {
			errs = append(errs, fmt.Errorf("%s: %w: id %q already defined in %s", name, connectivity.ErrInvalidConnection, conn.ID, prev))
			continue
		}
		seen[conn.ID] = name
		out = append(out, conn)
	}
	return out, errors.Join(errs...)
}

// ImportDefinitions creates the connections defined in dir that are not
// stored yet. Stored connections are left alone so changes made through
// the API survive a restart. Imported connections with desired status
// open connect once their init timeout expires.
func (m *Manager) ImportDefinitions(ctx context.Context, dir string) error {
	conns, err := LoadDefinitions(dir)
	if err != nil {
		return err
	}

	for _, conn := range conns {
		if _, err := m.repo.Get(ctx, conn.ID); err == nil {
			m.logger.Debug("connection already stored, skipping definition", "connection_id", conn.ID)
			continue
		} else if !errors.Is(err, store.ErrConnectionNotFound) {
			return err
		}

		if _, _, err := m.create(ctx, conn); err != nil {
			return fmt.Errorf("importing connection %s: %w", conn.ID, err)
		}
		m.logger.Info("connection imported", "connection_id", conn.ID)
	}
	return nil
}
