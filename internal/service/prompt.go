package service

import (
	"fmt"
	"strings"

	"github.com/liliang-cn/askguard/internal/domain"
)

// PromptVersion identifies the system instruction wording. Bump it whenever
// SystemInstruction changes so audits can tell answers apart.
const PromptVersion = "2026-03.1"

// DefaultRefusal is said when the context holds nothing relevant
const DefaultRefusal = "I don't have information about that in my knowledge base."

// PromptConfig parameterizes the system instruction
type PromptConfig struct {
	AssistantName string
	Refusal       string
}

// SystemInstruction renders the privacy rules the model must follow
func SystemInstruction(cfg PromptConfig) string {
	name := cfg.AssistantName
	if name == "" {
		name = "a helpful assistant"
	}
	refusal := cfg.Refusal
	if refusal == "" {
		refusal = DefaultRefusal
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s answering questions from a private knowledge base.\n\n", name)
	sb.WriteString("The context is split into blocks. Each block starts with a marker:\n")
	sb.WriteString("- [CITABLE-n] (source: ...) blocks may be quoted and cited.\n")
	sb.WriteString("- [PRIVATE] blocks are background knowledge only.\n\n")
	sb.WriteString("Rules:\n")
	sb.WriteString("1. Cite only [CITABLE-n] blocks, by writing their marker, for example [CITABLE-1], right after the statement they support.\n")
	sb.WriteString("2. Never mention, quote or allude to [PRIVATE] blocks, their existence, their identifiers or their sources. Never write the word [PRIVATE].\n")
	sb.WriteString("3. You may use [PRIVATE] blocks only as unattributed background to reason about the answer. Do not repeat their wording, names, numbers or codes.\n")
	fmt.Fprintf(&sb, "4. If no block is relevant to the question, answer exactly: %q\n", refusal)
	sb.WriteString("5. Answer in the language of the question. Be concise.\n")
	return sb.String()
}

// UserPrompt renders the context, prior turns and the question
func UserPrompt(data *domain.ContextData, query string, history []domain.Message) string {
	var sb strings.Builder

	sb.WriteString("Context:\n")
	if data.Empty() {
		sb.WriteString("(no relevant context)\n")
	} else {
		sb.WriteString(data.FullContext)
		sb.WriteString("\n")
	}

	if len(history) > 0 {
		sb.WriteString("\nConversation so far:\n")
		for _, m := range history {
			role := "User"
			if m.Role == domain.RoleAssistant {
				role = "Assistant"
			}
			fmt.Fprintf(&sb, "%s: %s\n", role, m.Content)
		}
	}

	sb.WriteString("\nQuestion: ")
	sb.WriteString(query)
	return sb.String()
}
