package registry

// NormalizeColor canonicalizes a validated hex color: a 3-digit form
// expands to 6 digits by duplicating each digit, a 6-digit form passes
// through unchanged, and the empty string (absence) stays empty. Callers
// must run ValidateColor first; the input is assumed well-formed.
func NormalizeColor(color string) string {
	if len(color) != 4 {
		return color
	}
	return "#" + string([]byte{
		color[1], color[1],
		color[2], color[2],
		color[3], color[3],
	})
}
