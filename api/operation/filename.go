package operation

import "strings"

var filenameReplacer = strings.NewReplacer(
	"/", "_",
	":", "_",
	`\`, "_",
	"*", "_",
	"?", "_",
	`"`, "_",
	"<", "_",
	">", "_",
	"|", "_",
)

// ExportFilename turns a user-supplied name into the archive file name:
// path and shell-hostile characters become underscores and ".tar" is
// appended.
func ExportFilename(name string) string {
	return filenameReplacer.Replace(name) + ".tar"
}
