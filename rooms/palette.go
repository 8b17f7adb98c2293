package rooms

// Palette is indexed by join order: the Nth player to join a room gets Palette[N].
var Palette = []string{
	"#FF6B6B", "#4ECDC4", "#FFE66D", "#A78BFA",
	"#F97316", "#22C55E", "#3B82F6", "#EC4899",
}

func colorFor(index int) string {
	if index < 0 {
		index = 0
	}
	return Palette[index%len(Palette)]
}
