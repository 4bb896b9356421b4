//go:build linux

package systemd

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// UnitManager runs unit jobs on the system manager over D-Bus. The
// connection is opened lazily and reused.
type UnitManager struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

func NewUnitManager() *UnitManager { return &UnitManager{} }

func (m *UnitManager) connect(ctx context.Context) (*dbus.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil && m.conn.Connected() {
		return m.conn, nil
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	m.conn = conn
	return conn, nil
}

// Run queues op for unit in "replace" mode and waits for the job result.
func (m *UnitManager) Run(ctx context.Context, unit string, op UnitOp) error {
	conn, err := m.connect(ctx)
	if err != nil {
		return err
	}
	unit = NormalizeUnit(unit)

	var call func(context.Context, string, string, chan<- string) (int, error)
	switch op {
	case UnitStart:
		call = conn.StartUnitContext
	case UnitStop:
		call = conn.StopUnitContext
	case UnitRestart:
		call = conn.RestartUnitContext
	case UnitReload:
		call = conn.ReloadUnitContext
	default:
		return fmt.Errorf("unknown unit operation %q", op)
	}

	result := make(chan string, 1)
	if _, err := call(ctx, unit, "replace", result); err != nil {
		if isNoSuchUnitErr(err) {
			return fmt.Errorf("%s %s: unit not found", op, unit)
		}
		return fmt.Errorf("%s %s: %w", op, unit, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-result:
		if r != "done" {
			return fmt.Errorf("%s %s: job %s", op, unit, r)
		}
		return nil
	}
}

func (m *UnitManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}
