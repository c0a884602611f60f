package interfaces

import (
	"context"

	"github.com/google/jsonschema-go/jsonschema"
)

// OracleRequest is one classify-and-reply call
type OracleRequest struct {
	// APIKey is the credential supplied by the credential provider. Backends that
	// authenticate with ambient credentials ignore it.
	APIKey string

	System string
	Prompt string

	// Schema describes the JSON object the oracle is asked to return
	Schema *jsonschema.Schema
}

// Oracle is the external classify-and-reply service
type Oracle interface {
	// Complete returns the raw completion text. Any returned error is a transport
	// failure; parsing of the text is the caller's concern.
	Complete(ctx context.Context, req *OracleRequest) (string, error)
}

// CredentialProvider supplies the opaque API credential. An empty string means no
// credential is configured.
type CredentialProvider interface {
	Credential(ctx context.Context) (string, error)
}
