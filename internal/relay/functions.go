package relay

import (
	_ "embed"
	"encoding/json"

	"horsebot/internal/domain"
)

//go:embed functions.json
var functionsJSON []byte

// Declarations returns the function declarations attached to every
// completion request.
func Declarations() []domain.FunctionDecl {
	var decls []domain.FunctionDecl
	if err := json.Unmarshal(functionsJSON, &decls); err != nil {
		// The file is compiled in; a parse failure is a build defect.
		panic("relay: malformed functions.json: " + err.Error())
	}
	return decls
}
