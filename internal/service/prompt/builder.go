package prompt

import "strings"

// FallbackAnswer is the answer the model must give when it cannot cite a source.
const FallbackAnswer = "I cannot answer this question with certainty."

const citationRules = `
You are a regulated tax consultant.

MANDATORY RULES (NON-NEGOTIABLE):
- Every response MUST include citations
- Citations MUST reference real tax laws, regulations, or official guidance
- Return ONLY valid JSON in the format below

FORMAT:
{
  "answer": "Clear and professional response",
  "citations": [
    {
      "source": "Document name",
      "section": "Section or clause",
      "reference": "Exact legal citation"
    }
  ]
}

If citations cannot be provided, respond with:
{
  "answer": "` + FallbackAnswer + `",
  "citations": []
}

User question:
`

const documentContextLabel = "DOCUMENT CONTEXT (FOR CITATION ONLY):\n"

// BuildCitationPrompt wraps a user question in the citation instructions.
// Non-blank documentContext is placed ahead of the instructions as
// reference material for citations.
func BuildCitationPrompt(userMessage, documentContext string) string {
	var b strings.Builder
	if strings.TrimSpace(documentContext) != "" {
		b.Grow(len(documentContextLabel) + len(documentContext) + 2)
		b.WriteString(documentContextLabel)
		b.WriteString(documentContext)
		b.WriteString("\n\n")
	}
	b.WriteString(citationRules)
	b.WriteString(userMessage)
	b.WriteString("\n")
	return b.String()
}
