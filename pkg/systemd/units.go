package systemd

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnsupported = errors.New("systemd units are only supported on linux")

// UnitOp is a unit job type.
type UnitOp string

const (
	UnitStart   UnitOp = "start"
	UnitStop    UnitOp = "stop"
	UnitRestart UnitOp = "restart"
	UnitReload  UnitOp = "reload"
)

// ParseUnitOp maps a config value to a UnitOp; empty means restart.
func ParseUnitOp(s string) (UnitOp, error) {
	switch op := UnitOp(strings.ToLower(strings.TrimSpace(s))); op {
	case "":
		return UnitRestart, nil
	case UnitStart, UnitStop, UnitRestart, UnitReload:
		return op, nil
	default:
		return "", fmt.Errorf("unknown unit operation %q", s)
	}
}

// NormalizeUnit appends ".service" to names without a unit suffix.
func NormalizeUnit(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}
