// Package cash holds the denomination arithmetic of the machine: counting
// inserted notes and coins and breaking amounts down into change.
package cash

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Size is the number of supported denominations.
const Size = 8

// MaxCount is the most pieces of one face a vector can hold. It matches the
// ledger's per-face INTEGER columns and keeps Total well inside int64.
const MaxCount = math.MaxInt32

// noteThreshold separates notes from coins. Display only.
const noteThreshold = 25

// faces is ordered largest first; Decompose depends on that order.
var faces = [Size]int64{200, 100, 50, 25, 20, 10, 5, 1}

// Faces returns the supported face values, largest first.
func Faces() []int64 {
	out := make([]int64, Size)
	copy(out, faces[:])
	return out
}

// IsNote reports whether face is displayed as a note rather than a coin.
func IsNote(face int64) bool {
	return face >= noteThreshold
}

func indexOf(face int64) (int, bool) {
	for i, f := range faces {
		if f == face {
			return i, true
		}
	}
	return 0, false
}

// IsValidDenomination reports whether face belongs to the supported set.
func IsValidDenomination(face int64) bool {
	_, ok := indexOf(face)
	return ok
}

// Vector counts bills and coins per face value. The zero value is the empty
// vector. Vectors are values: every operation returns a new one.
type Vector struct {
	counts [Size]int64
}

// FromCounts builds a vector from counts ordered like Faces.
func FromCounts(counts [Size]int64) (Vector, error) {
	for i, c := range counts {
		if c < 0 || c > MaxCount {
			return Vector{}, fmt.Errorf("%w: %d for face %d", ErrInvalidCount, c, faces[i])
		}
	}
	return Vector{counts: counts}, nil
}

// Counts returns the per-face counts ordered like Faces.
func (v Vector) Counts() [Size]int64 {
	return v.counts
}

// Count returns the count held for face, zero for unsupported faces.
func (v Vector) Count(face int64) int64 {
	i, ok := indexOf(face)
	if !ok {
		return 0
	}
	return v.counts[i]
}

// Total is the value of the vector: the sum of face times count. Counts are
// bounded by MaxCount, so the sum cannot overflow.
func (v Vector) Total() int64 {
	var total int64
	for i, c := range v.counts {
		total += faces[i] * c
	}
	return total
}

// IsZero reports whether the vector holds nothing.
func (v Vector) IsZero() bool {
	return v == Vector{}
}

// Add returns v with count more pieces of face. A count that would take the
// face above MaxCount is rejected and v is returned unchanged.
func (v Vector) Add(face, count int64) (Vector, error) {
	i, ok := indexOf(face)
	if !ok {
		return v, fmt.Errorf("%w: %d", ErrInvalidDenomination, face)
	}
	if count < 0 {
		return v, fmt.Errorf("%w: %d", ErrInvalidCount, count)
	}
	if count > MaxCount-v.counts[i] {
		return v, fmt.Errorf("%w: %d more of face %d exceeds %d", ErrInvalidCount, count, face, MaxCount)
	}
	v.counts[i] += count
	return v, nil
}

// Merge sums two vectors face by face. It fails like Add when a face would
// exceed MaxCount.
func Merge(a, b Vector) (Vector, error) {
	out := a
	for i, c := range b.counts {
		var err error
		if out, err = out.Add(faces[i], c); err != nil {
			return a, err
		}
	}
	return out, nil
}

// Notes returns the note part of the vector keyed by face.
func (v Vector) Notes() map[string]int64 {
	return v.split(true)
}

// Coins returns the coin part of the vector keyed by face.
func (v Vector) Coins() map[string]int64 {
	return v.split(false)
}

func (v Vector) split(notes bool) map[string]int64 {
	out := make(map[string]int64)
	for i, f := range faces {
		if IsNote(f) == notes {
			out[strconv.FormatInt(f, 10)] = v.counts[i]
		}
	}
	return out
}

func (v Vector) String() string {
	return fmt.Sprintf("%v (total %d)", v.counts, v.Total())
}

type vectorJSON struct {
	Notes map[string]int64 `json:"notes"`
	Coins map[string]int64 `json:"coins"`
}

func (v Vector) MarshalJSON() ([]byte, error) {
	return json.Marshal(vectorJSON{Notes: v.Notes(), Coins: v.Coins()})
}

func (v *Vector) UnmarshalJSON(data []byte) error {
	var raw vectorJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var out Vector
	for _, part := range []map[string]int64{raw.Notes, raw.Coins} {
		for key, count := range part {
			face, err := strconv.ParseInt(key, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: %q", ErrInvalidDenomination, key)
			}
			if out, err = out.Add(face, count); err != nil {
				return err
			}
		}
	}
	*v = out
	return nil
}
