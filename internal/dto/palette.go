package dto

const DefaultColor = "#C0C0C0"

var palette = [12]string{
	"#F06050",
	"#F4A460",
	"#F7CD1F",
	"#6CC1ED",
	"#814968",
	"#EB7E7F",
	"#2C8397",
	"#475577",
	"#D6145F",
	"#30C381",
	"#9365B8",
	"#C0C0C0",
}

// ColorHex returns the palette entry for index, or DefaultColor when the
// index is outside the palette.
func ColorHex(index int) string {
	if index < 0 || index >= len(palette) {
		return DefaultColor
	}
	return palette[index]
}
