package deadlock

import (
	"fmt"
	"strings"
)

// LockMode is one of PostgreSQL's eight table-level lock modes, ordered by strength.
type LockMode int

const (
	AccessShareLock LockMode = iota + 1
	RowShareLock
	RowExclusiveLock
	ShareUpdateExclusiveLock
	ShareLock
	ShareRowExclusiveLock
	ExclusiveLock
	AccessExclusiveLock
)

var lockModeNames = map[LockMode]string{
	AccessShareLock:          "AccessShareLock",
	RowShareLock:             "RowShareLock",
	RowExclusiveLock:         "RowExclusiveLock",
	ShareUpdateExclusiveLock: "ShareUpdateExclusiveLock",
	ShareLock:                "ShareLock",
	ShareRowExclusiveLock:    "ShareRowExclusiveLock",
	ExclusiveLock:            "ExclusiveLock",
	AccessExclusiveLock:      "AccessExclusiveLock",
}

// String returns the name PostgreSQL prints for the mode.
func (m LockMode) String() string {
	if name, ok := lockModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("LockMode(%d)", int(m))
}

// SQL returns the mode as written in LOCK TABLE ... IN <mode> MODE.
func (m LockMode) SQL() string {
	switch m {
	case AccessShareLock:
		return "ACCESS SHARE"
	case RowShareLock:
		return "ROW SHARE"
	case RowExclusiveLock:
		return "ROW EXCLUSIVE"
	case ShareUpdateExclusiveLock:
		return "SHARE UPDATE EXCLUSIVE"
	case ShareLock:
		return "SHARE"
	case ShareRowExclusiveLock:
		return "SHARE ROW EXCLUSIVE"
	case ExclusiveLock:
		return "EXCLUSIVE"
	case AccessExclusiveLock:
		return "ACCESS EXCLUSIVE"
	}
	return ""
}

// conflictTable is the "Conflicting Lock Modes" table from the PostgreSQL
// documentation (explicit-locking.html, table 13.2). Row i lists the modes
// that mode i conflicts with.
var conflictTable = map[LockMode][]LockMode{
	AccessShareLock:          {AccessExclusiveLock},
	RowShareLock:             {ExclusiveLock, AccessExclusiveLock},
	RowExclusiveLock:         {ShareLock, ShareRowExclusiveLock, ExclusiveLock, AccessExclusiveLock},
	ShareUpdateExclusiveLock: {ShareUpdateExclusiveLock, ShareLock, ShareRowExclusiveLock, ExclusiveLock, AccessExclusiveLock},
	ShareLock:                {RowExclusiveLock, ShareUpdateExclusiveLock, ShareRowExclusiveLock, ExclusiveLock, AccessExclusiveLock},
	ShareRowExclusiveLock:    {RowExclusiveLock, ShareUpdateExclusiveLock, ShareLock, ShareRowExclusiveLock, ExclusiveLock, AccessExclusiveLock},
	ExclusiveLock:            {RowShareLock, RowExclusiveLock, ShareUpdateExclusiveLock, ShareLock, ShareRowExclusiveLock, ExclusiveLock, AccessExclusiveLock},
	AccessExclusiveLock:      {AccessShareLock, RowShareLock, RowExclusiveLock, ShareUpdateExclusiveLock, ShareLock, ShareRowExclusiveLock, ExclusiveLock, AccessExclusiveLock},
}

// compatMatrix[a][b] is true when a and b can be held together.
var compatMatrix = buildCompatMatrix()

func buildCompatMatrix() [9][9]bool {
	var m [9][9]bool
	for a := AccessShareLock; a <= AccessExclusiveLock; a++ {
		for b := AccessShareLock; b <= AccessExclusiveLock; b++ {
			m[a][b] = true
		}
	}
	for a, conflicts := range conflictTable {
		for _, b := range conflicts {
			m[a][b] = false
			m[b][a] = false
		}
	}
	return m
}

// ParseLockMode accepts "RowExclusiveLock", "RowExclusive", "row exclusive"
// and "ROW EXCLUSIVE" spellings.
func ParseLockMode(s string) (LockMode, error) {
	key := strings.ToLower(strings.Join(strings.Fields(s), ""))
	key = strings.TrimSuffix(key, "lock")
	key = strings.TrimSuffix(key, "mode")
	for mode, name := range lockModeNames {
		if strings.TrimSuffix(strings.ToLower(name), "lock") == key {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownLockMode, s)
}

// CheckCompatible reports whether locks in modes a and b can be held at the
// same time. Unknown modes are reported as conflicting with everything and
// return ErrUnknownLockMode.
func CheckCompatible(a, b string) (bool, error) {
	ma, errA := ParseLockMode(a)
	mb, errB := ParseLockMode(b)
	if errA != nil {
		return false, errA
	}
	if errB != nil {
		return false, errB
	}
	return compatMatrix[ma][mb], nil
}

// AreCompatible is CheckCompatible without the error.
func AreCompatible(a, b string) bool {
	ok, _ := CheckCompatible(a, b)
	return ok
}

// Stronger reports whether a is a strictly stronger mode than b.
func Stronger(a, b LockMode) bool {
	return a > b
}
