package serialmux

import "strings"

// Line kinds emitted by the badge-reader bridge.
const (
	LineTap     = "tap"     // "<badge_id>|<card text>"
	LineAck     = "ack"     // "OK ..." or "ERR ..." in reply to a command
	LineComment = "comment" // "# ..." diagnostics from the firmware
	LineUnknown = "unknown"
)

// InitCommands reset the reader and enable tap output on the bridge.
var InitCommands = []string{
	"R",  // reset MFRC522
	"O1", // report taps as "<id>|<text>"
}

// ClassifyLine returns the kind of a line read from the bridge.
func ClassifyLine(line string) string {
	switch {
	case strings.HasPrefix(line, "#"):
		return LineComment
	case strings.HasPrefix(line, "OK"), strings.HasPrefix(line, "ERR"):
		return LineAck
	case strings.Contains(line, "|"):
		return LineTap
	default:
		return LineUnknown
	}
}
