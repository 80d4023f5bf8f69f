package checksum

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"hash"
	"strings"

	"github.com/verigo/verigo/pkg/util"
)

// Algorithm identifies the checksum algorithm used for a whole run.
// A manifest is always written with a single algorithm; mixing algorithms
// within one manifest is invalid.
type Algorithm int

const (
	MD5 Algorithm = iota
	SHA256
	SHA512
)

var algorithmToString = map[Algorithm]string{
	MD5:    "md5",
	SHA256: "sha256",
	SHA512: "sha512",
}

var stringToAlgorithm map[string]Algorithm

func init() {
	stringToAlgorithm = util.InvertMap(algorithmToString)
}

// String returns the lower-case name of the algorithm.
func (a Algorithm) String() string {
	if str, ok := algorithmToString[a]; ok {
		return str
	}
	return fmt.Sprintf("unknown_algorithm(%d)", a)
}

// Algorithms returns every supported algorithm in declaration order.
func Algorithms() []Algorithm {
	return []Algorithm{MD5, SHA256, SHA512}
}

// ParseAlgorithm parses a case-insensitive algorithm name.
func ParseAlgorithm(s string) (Algorithm, error) {
	if alg, ok := stringToAlgorithm[strings.ToLower(s)]; ok {
		return alg, nil
	}
	return 0, fmt.Errorf("invalid checksum algorithm: %q. Must be 'md5', 'sha256' or 'sha512'", s)
}

// New returns a fresh hash for the algorithm.
func (a Algorithm) New() hash.Hash {
	switch a {
	case SHA256:
		return sha256.New()
	case SHA512:
		return sha512.New()
	default:
		return md5.New()
	}
}

// HexLen is the length of the hex-encoded digest. Manifest lines whose
// checksum has a different length are rejected during parsing.
func (a Algorithm) HexLen() int {
	switch a {
	case SHA256:
		return 64
	case SHA512:
		return 128
	default:
		return 32
	}
}

// MarshalJSON implements the json.Marshaler interface for Algorithm.
func (a Algorithm) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Algorithm.
func (a *Algorithm) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("Algorithm should be a string, got %s", data)
	}
	alg, err := ParseAlgorithm(s)
	if err != nil {
		return err
	}
	*a = alg
	return nil
}
