package campaign

import "strings"

// Render substitutes the template tokens the product supports:
// @username with the recipient's name and @servername with the community
// title. Anything else passes through untouched.
func Render(content, username, servername string) string {
	content = strings.ReplaceAll(content, "@username", username)
	content = strings.ReplaceAll(content, "@servername", servername)
	return content
}
