package conversation

import "github.com/zhouzirui/taxdesk/backend/internal/service/auth"

const capabilities = "I am a **tax compliance assistant**.\n" +
	"✔ All answers include legal citations\n" +
	"✔ You may upload PAYSLIPS, PDFs, DOCX, or TXT files\n"

// Greeting is the first assistant message of a new session. It is shown
// to the user but not kept in history.
func Greeting(user auth.User, authenticated bool) string {
	name := "there"
	if authenticated && user.Identifier != "" {
		name = user.Identifier
	}
	return "Hello " + name + "\n\n" + capabilities
}
