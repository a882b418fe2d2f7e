package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/tessellate-im/tessera/internal/keystore"
	"github.com/tessellate-im/tessera/internal/signing"
)

// BundleSource fetches and verifies a remote server's key bundle.
type BundleSource interface {
	Bundle(ctx context.Context, serverName string) (json.RawMessage, error)
}

// HandleServerKeys returns a handler for GET /_matrix/key/v2/server:
// the local server's self-signed key bundle, freshly stamped with a
// seven-day validity on every request.
func HandleServerKeys(localKey *keystore.LocalKey) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := localKey.SignedBundle(time.Now())
		if err != nil {
			log.Printf("[api] sign own key bundle: %v", err)
			WriteError(w, http.StatusInternalServerError, "M_UNKNOWN", "failed to sign key bundle")
			return
		}
		WriteRawJSON(w, http.StatusOK, raw)
	}
}

// notarize re-signs a verified remote bundle with the local key, so
// callers that trust this server can trust the relayed bundle.
func notarize(ctx context.Context, source BundleSource, localKey *keystore.LocalKey, serverName string) (json.RawMessage, error) {
	raw, err := source.Bundle(ctx, serverName)
	if err != nil {
		return nil, err
	}
	return signing.SignJSON(raw, localKey.ServerName, localKey.KeyID, localKey.PrivateKey)
}

// HandleQueryServer returns a handler for GET
// /_matrix/key/v2/query/{serverName}.
func HandleQueryServer(source BundleSource, localKey *keystore.LocalKey) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serverName := r.PathValue("serverName")
		signed, err := notarize(r.Context(), source, localKey, serverName)
		if err != nil {
			log.Printf("[api] notary query %s: %v", serverName, err)
			WriteJSON(w, http.StatusOK, map[string]any{"server_keys": []json.RawMessage{}})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"server_keys": []json.RawMessage{signed}})
	}
}

// HandleQueryBatch returns a handler for POST /_matrix/key/v2/query.
// Servers that cannot be reached or verified are omitted from the
// response rather than failing the whole query.
func HandleQueryBatch(source BundleSource, localKey *keystore.LocalKey) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ServerKeys map[string]map[string]json.RawMessage `json:"server_keys"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, http.StatusBadRequest, "M_BAD_JSON", "malformed query body")
			return
		}

		results := []json.RawMessage{}
		for serverName := range body.ServerKeys {
			signed, err := notarize(r.Context(), source, localKey, serverName)
			if err != nil {
				log.Printf("[api] notary query %s: %v", serverName, err)
				continue
			}
			results = append(results, signed)
		}
		WriteJSON(w, http.StatusOK, map[string]any{"server_keys": results})
	}
}
