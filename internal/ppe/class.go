package ppe

import (
	"fmt"
	"strings"
)

// Class identifies a detector output class. The numeric values match the
// class indices of the PPE detection model.
type Class int

const (
	Boots Class = iota
	Helmet
	NoBoots
	NoHelmet
	NoVest
	Person
	Vest

	numClasses
)

// classNames are the model's display names. They double as the keys of the
// avg_scores map sent to clients.
var classNames = [numClasses]string{
	Boots:    "boots",
	Helmet:   "helmet",
	NoBoots:  "no boots",
	NoHelmet: "no helmet",
	NoVest:   "no vest",
	Person:   "person",
	Vest:     "vest",
}

// DefaultThreshold applies to any class missing from a Thresholds table.
const DefaultThreshold = 0.5

// Valid reports whether c is one of the known model classes.
func (c Class) Valid() bool {
	return c >= 0 && c < numClasses
}

// String returns the display name of the class.
func (c Class) String() string {
	if !c.Valid() {
		return fmt.Sprintf("class(%d)", int(c))
	}
	return classNames[c]
}

// ParseClass accepts either the display name ("no helmet") or the
// identifier form ("no_helmet"), case-insensitively.
func ParseClass(name string) (Class, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	normalized = strings.ReplaceAll(normalized, "_", " ")
	for i, n := range classNames {
		if n == normalized {
			return Class(i), nil
		}
	}
	return 0, fmt.Errorf("unknown ppe class %q", name)
}

// Classes returns every known class in index order.
func Classes() []Class {
	out := make([]Class, 0, numClasses)
	for c := Class(0); c < numClasses; c++ {
		out = append(out, c)
	}
	return out
}

// Thresholds holds the minimum confidence per class. Thresholds are not
// uniform: negative classes are noisier and are accepted at lower scores.
type Thresholds map[Class]float64

// DefaultThresholds returns the tuned per-class confidence table.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Boots:    0.4,
		Helmet:   0.5,
		NoBoots:  0.3,
		NoHelmet: 0.3,
		NoVest:   0.2,
		Person:   0.5,
		Vest:     0.5,
	}
}

// For returns the threshold for c, or DefaultThreshold when unset.
func (t Thresholds) For(c Class) float64 {
	if v, ok := t[c]; ok {
		return v
	}
	return DefaultThreshold
}

// Accept reports whether a detection of class c with the given confidence
// passes its class threshold.
func (t Thresholds) Accept(c Class, confidence float64) bool {
	return confidence >= t.For(c)
}
