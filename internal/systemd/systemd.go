// Package systemd reloads the AppArmor service unit over the system bus,
// so a batch of profile changes costs one reload instead of one per
// profile.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	systemdDbus "github.com/coreos/go-systemd/v22/dbus"
	dbus "github.com/godbus/dbus/v5"
)

// Reloader owns a lazy connection to the system bus and reloads one unit.
type Reloader struct {
	Unit string

	mu   sync.Mutex
	conn *systemdDbus.Conn
}

func NewReloader(unit string) *Reloader {
	return &Reloader{Unit: unit}
}

// getConnection lazily initializes and returns the systemd dbus connection.
func (r *Reloader) getConnection(ctx context.Context) (*systemdDbus.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return r.conn, nil
	}
	conn, err := systemdDbus.NewWithContext(ctx)
	if err != nil {
		return nil, err
	}
	r.conn = conn
	return conn, nil
}

// resetConnection resets the connection to its initial state so it can be
// reconnected if necessary.
func (r *Reloader) resetConnection(conn *systemdDbus.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil && r.conn == conn {
		r.conn.Close()
		r.conn = nil
	}
}

// Close releases the bus connection, if one was opened.
func (r *Reloader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}

var errDbusConnClosed = dbus.ErrClosed.Error()

// isDbusError returns true if the error is a specific dbus error.
func isDbusError(err error, name string) bool {
	if err != nil {
		var derr dbus.Error
		if errors.As(err, &derr) {
			return strings.Contains(derr.Name, name)
		}
	}
	return false
}

// Reload asks systemd to reload-or-restart the unit and waits for the job
// to finish. A closed bus connection is reconnected once.
func (r *Reloader) Reload(ctx context.Context) error {
	for attempt := 0; attempt < 2; attempt++ {
		conn, err := r.getConnection(ctx)
		if err != nil {
			return err
		}
		ch := make(chan string, 1)
		if _, err := conn.ReloadOrRestartUnitContext(ctx, r.Unit, "replace", ch); err != nil {
			if isDbusError(err, errDbusConnClosed) {
				r.resetConnection(conn)
				continue
			}
			return err
		}
		select {
		case result := <-ch:
			if result != "done" {
				return fmt.Errorf("reload of unit %s finished as %q", r.Unit, result)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("dbus connection to systemd kept closing")
}
