package decision

import "strings"

const statusTableHeader = "| Team member | State |\n|-------------|-------|"

// RenderStatusComment renders the vote table posted on the issue. Rows are
// sorted by member; superseded votes are struck through in the order they were
// cast and the current vote is bold.
func RenderStatusComment(history map[string][]UserStatus, current map[string]*UserStatus) string {
	var sb strings.Builder
	sb.WriteString(statusTableHeader)
	for _, member := range Members(history, current) {
		sb.WriteString("\n| ")
		sb.WriteString(member)
		sb.WriteString(" |")
		for _, past := range history[member] {
			sb.WriteString(" ~~")
			sb.WriteString(past.Resolution.String())
			sb.WriteString("~~ ")
		}
		if status := current[member]; status != nil {
			sb.WriteString(" **")
			sb.WriteString(status.Resolution.String())
			sb.WriteString("** |")
		} else {
			sb.WriteString(" |")
		}
	}
	return sb.String()
}

// RenderErrorComment wraps message in the warning block used for rejected
// commands.
func RenderErrorComment(message string) string {
	return ":warning: **Error**\n\n" + strings.TrimSpace(message)
}
