package monitoggle

import "fmt"

// SelectMode picks the mode an output should be driven at: the current mode,
// else the preferred one, else the first listed.
func SelectMode(output PhysicalOutput) (DisplayMode, error) {
	if len(output.Modes) == 0 {
		return DisplayMode{}, fmt.Errorf("%w: %s", ErrNoModesAvailable, output.Key())
	}

	for _, m := range output.Modes {
		if m.IsCurrent() {
			return m, nil
		}
	}
	for _, m := range output.Modes {
		if m.IsPreferred() {
			return m, nil
		}
	}

	return output.Modes[0], nil
}
