package checksum

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"

	"github.com/verigo/verigo/pkg/util"
)

// Profile is a named parallelism tier controlling how many workers the
// checksum pool uses.
type Profile int

const (
	VeryLow Profile = iota
	Low
	Normal
	High
	Insane
)

var profileToString = map[Profile]string{
	VeryLow: "very low",
	Low:     "low",
	Normal:  "normal",
	High:    "high",
	Insane:  "insane",
}

var stringToProfile map[string]Profile

func init() {
	stringToProfile = util.InvertMap(profileToString)
}

// String returns the lower-case name of the profile.
func (p Profile) String() string {
	if str, ok := profileToString[p]; ok {
		return str
	}
	return fmt.Sprintf("unknown_workload_profile(%d)", p)
}

// ParseProfile parses a case-insensitive workload profile name.
func ParseProfile(s string) (Profile, error) {
	if p, ok := stringToProfile[strings.ToLower(s)]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("invalid workload profile: %q. Must be 'very low', 'low', 'normal', 'high' or 'insane'", s)
}

// Workers maps the profile to a worker count over the given CPU count.
// The mapping is monotonic: VeryLow pins a single worker, Insane uses
// every core. The result is never below 1.
func (p Profile) Workers(numCPU int) int {
	if numCPU < 1 {
		numCPU = 1
	}
	var n int
	switch p {
	case VeryLow:
		n = 1
	case Low:
		n = numCPU / 4
	case High:
		n = numCPU * 3 / 4
	case Insane:
		n = numCPU
	default: // Normal
		n = numCPU / 2
	}
	if n < 1 {
		n = 1
	}
	return n
}

// WorkerCount is Workers over the host CPU count.
func (p Profile) WorkerCount() int {
	return p.Workers(runtime.NumCPU())
}

// MarshalJSON implements the json.Marshaler interface for Profile.
func (p Profile) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Profile.
func (p *Profile) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("Profile should be a string, got %s", data)
	}
	parsed, err := ParseProfile(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
