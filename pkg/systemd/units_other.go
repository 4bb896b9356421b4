//go:build !linux

package systemd

import "context"

type UnitManager struct{}

func NewUnitManager() *UnitManager { return &UnitManager{} }

func (m *UnitManager) Run(context.Context, string, UnitOp) error { return ErrUnsupported }

func (m *UnitManager) Close() error { return nil }
