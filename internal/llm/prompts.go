package llm

import (
	_ "embed"
	"strings"

	"loanmatch-backend/internal/documents"
)

var (
	//go:embed prompts/lender.txt
	promptLender string
	//go:embed prompts/application.txt
	promptApplication string
	//go:embed prompts/match.txt
	promptMatch string
)

const (
	systemLender      = "You are a financial document analysis expert specialized in extracting structured information from loan policy documents. Respond with JSON only."
	systemApplication = "You are a loan application analysis expert specialized in extracting structured information from loan application documents. Respond with JSON only."
	systemMatch       = "You are a financial matching expert specialized in analyzing loan applications against lender policies and calculating accurate match scores. Respond with JSON only."
	systemFixJSON     = "You are a JSON repair tool. Return only valid JSON. No markdown."
)

// StructureRequest builds the extraction prompt for a document kind.
func StructureRequest(rawText string, kind documents.Kind) Request {
	system, template := systemLender, promptLender
	if kind == documents.KindApplication {
		system, template = systemApplication, promptApplication
	}
	user := strings.NewReplacer("{{RAW_TEXT}}", rawText).Replace(template)
	return Request{Operation: OperationStructure, System: system, User: user}
}

// MatchRequest builds the scoring prompt from pre-rendered JSON payloads.
func MatchRequest(applicationJSON, lenderJSON string) Request {
	user := strings.NewReplacer(
		"{{APPLICATION_JSON}}", applicationJSON,
		"{{LENDER_JSON}}", lenderJSON,
	).Replace(promptMatch)
	return Request{Operation: OperationScore, System: systemMatch, User: user}
}

func fixRequest(operation, raw string) Request {
	return Request{
		Operation: operation,
		System:    systemFixJSON,
		User:      "Fix this to be a single valid JSON object. Output JSON only:\n" + raw,
	}
}
