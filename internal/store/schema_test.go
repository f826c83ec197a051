package store

import (
	"errors"
	"testing"

	"github.com/golang-migrate/migrate/v4"
)

type fakeVersion struct {
	v     uint
	dirty bool
	err   error
}

func (f fakeVersion) Version() (uint, bool, error) { return f.v, f.dirty, f.err }

func TestCheckSchema(t *testing.T) {
	tests := []struct {
		name       string
		in         fakeVersion
		compatible bool
		needs      bool
		wantErr    error
	}{
		{"fresh database", fakeVersion{err: migrate.ErrNilVersion}, false, true, nil},
		{"current", fakeVersion{v: RequiredSchemaVersion}, true, false, nil},
		{"dirty", fakeVersion{v: RequiredSchemaVersion, dirty: true}, false, false, ErrSchemaDirty},
		{"ahead", fakeVersion{v: RequiredSchemaVersion + 1}, false, false, ErrSchemaAhead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := CheckSchema(tt.in)
			if err != nil {
				t.Fatalf("CheckSchema: %v", err)
			}
			if s.Compatible != tt.compatible || s.NeedsMigration != tt.needs {
				t.Errorf("status = %+v", s)
			}
			if err := s.Err(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := CheckSchema(fakeVersion{err: errors.New("connection refused")}); err == nil {
		t.Error("expected read error")
	}
}
