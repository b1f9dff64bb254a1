package room

import "math/rand"

// Palette is the fixed set of participant colors.
var Palette = []string{
	"#a259ff", "#7c3aed", "#38bdf8", "#f472b6",
	"#facc15", "#34d399", "#f87171", "#fbbf24",
}

const (
	// SystemViewID is the synthetic identity for system-authored entries.
	SystemViewID = "system"
	// SystemColor is used for the system identity and unknown views.
	SystemColor = "#a259ff"
)

// PickColorFunc chooses a color for a joining participant given the set of
// colors already in use. Injected into the Model so tests can supply a
// deterministic source.
type PickColorFunc func(used map[string]bool) string

// DefaultPickColor draws a random palette color, preferring colors not yet
// in use; once the palette is exhausted any color may repeat.
func DefaultPickColor(used map[string]bool) string {
	free := make([]string, 0, len(Palette))
	for _, c := range Palette {
		if !used[c] {
			free = append(free, c)
		}
	}
	if len(free) > 0 {
		return free[rand.Intn(len(free))]
	}
	return Palette[rand.Intn(len(Palette))]
}
