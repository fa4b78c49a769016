package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/nexis-ai/nexis-fetch/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSHA256 = "AF21B5D0C9E7E2D3F4A5B6C7D8E9F0A1B2C3D4E5F6A7B8C9D0E1F2A3B4C5D6E7"

// newCivitaiFixture stands up a presigned storage host plus a marketplace
// origin whose download endpoint redirects to it.
func newCivitaiFixture(t *testing.T, modelType string) (origin *httptest.Server, presignedAuth *atomic.Value, originAuth *atomic.Value) {
	t.Helper()

	presignedAuth = &atomic.Value{}
	originAuth = &atomic.Value{}

	presigned := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presignedAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(presigned.Close)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/models/42", func(w http.ResponseWriter, r *http.Request) {
		originAuth.Store(r.Header.Get("Authorization"))
		fmt.Fprintf(w, `{"type":%q,"modelVersions":[{"id":4242}]}`, modelType)
	})
	mux.HandleFunc("/api/v1/model-versions/4242", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"files":[
			{"name":"secondary.bin","primary":false,"downloadUrl":""},
			{"name":"model.safetensors","primary":true,"sizeKB":4,
			 "downloadUrl":%q,"hashes":{"SHA256":%q}}
		]}`, origin.URL+"/api/download/models/4242", testSHA256)
	})
	mux.HandleFunc("/api/download/models/4242", func(w http.ResponseWriter, r *http.Request) {
		originAuth.Store(r.Header.Get("Authorization"))
		http.Redirect(w, r, presigned.URL+"/blob?response-content-disposition=attachment%3B%20filename%3D%22model.safetensors%22", http.StatusFound)
	})

	origin = httptest.NewServer(mux)
	t.Cleanup(origin.Close)
	return origin, presignedAuth, originAuth
}

func TestCivitaiResolve(t *testing.T) {
	req := types.AcquisitionRequest{
		Registry:         types.RegistryCivitai,
		Identifier:       "42",
		DeclaredCategory: types.CategoryCheckpoints,
	}

	t.Run("resolves primary file with hash and category", func(t *testing.T) {
		origin, _, _ := newCivitaiFixture(t, "Checkpoint")
		client := NewCivitaiClient(origin.URL, "secret", zap.NewNop())

		artifact, err := client.Resolve(context.Background(), req)
		require.NoError(t, err)

		assert.Equal(t, "model.safetensors", artifact.Filename)
		assert.Equal(t, types.CategoryCheckpoints, artifact.Category)
		// The registry-published hash is normalized to lowercase.
		assert.Equal(t, "af21b5d0c9e7e2d3f4a5b6c7d8e9f0a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7", artifact.ExpectedSHA256)
		assert.EqualValues(t, 4096, artifact.Size)
		assert.False(t, artifact.Snapshot)
	})

	t.Run("credential never forwarded to the presigned host", func(t *testing.T) {
		origin, presignedAuth, originAuth := newCivitaiFixture(t, "Checkpoint")
		client := NewCivitaiClient(origin.URL, "secret", zap.NewNop())

		artifact, err := client.Resolve(context.Background(), req)
		require.NoError(t, err)

		// The resolver probed the origin with the credential and resolved
		// the redirect target itself.
		assert.Equal(t, "Bearer secret", originAuth.Load())
		assert.Contains(t, artifact.DownloadURL, "/blob")

		// The redirect target is off-origin, so no auth header travels
		// with the transfer, and resolution itself never touched the
		// presigned host.
		assert.Empty(t, artifact.AuthHeader)
		assert.Nil(t, presignedAuth.Load())
	})

	t.Run("off-domain direct url never receives the credential", func(t *testing.T) {
		var thirdPartyAuth atomic.Value
		thirdParty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			thirdPartyAuth.Store(r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusOK)
		}))
		defer thirdParty.Close()

		mux := http.NewServeMux()
		mux.HandleFunc("/api/v1/models/42", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"type":"Checkpoint","modelVersions":[{"id":4242}]}`)
		})
		mux.HandleFunc("/api/v1/model-versions/4242", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `{"files":[{"name":"model.safetensors","primary":true,"downloadUrl":%q}]}`, thirdParty.URL+"/direct/model.safetensors")
		})
		origin := httptest.NewServer(mux)
		defer origin.Close()

		client := NewCivitaiClient(origin.URL, "secret", zap.NewNop())
		artifact, err := client.Resolve(context.Background(), req)
		require.NoError(t, err)

		// The metadata pointed the transfer straight at a foreign host; the
		// probe went there bare and the transfer carries no credential.
		assert.Empty(t, artifact.AuthHeader)
		assert.Equal(t, "", thirdPartyAuth.Load())
	})

	t.Run("relative redirect resolves against the origin", func(t *testing.T) {
		mux := http.NewServeMux()
		var origin *httptest.Server
		mux.HandleFunc("/api/v1/models/42", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"type":"Checkpoint","modelVersions":[{"id":4242}]}`)
		})
		mux.HandleFunc("/api/v1/model-versions/4242", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `{"files":[{"name":"model.safetensors","primary":true,"downloadUrl":%q}]}`, origin.URL+"/api/download/models/4242")
		})
		mux.HandleFunc("/api/download/models/4242", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/files/model.safetensors", http.StatusFound)
		})
		origin = httptest.NewServer(mux)
		defer origin.Close()

		client := NewCivitaiClient(origin.URL, "secret", zap.NewNop())
		artifact, err := client.Resolve(context.Background(), req)
		require.NoError(t, err)

		assert.Equal(t, origin.URL+"/files/model.safetensors", artifact.DownloadURL)
		// The resolved target is still the marketplace itself, so the
		// credential stays attached.
		assert.Equal(t, "Bearer secret", artifact.AuthHeader)
	})

	t.Run("auth header retained when no redirect occurs", func(t *testing.T) {
		mux := http.NewServeMux()
		var origin *httptest.Server
		mux.HandleFunc("/api/v1/models/42", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"type":"Checkpoint","modelVersions":[{"id":4242}]}`)
		})
		mux.HandleFunc("/api/v1/model-versions/4242", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `{"files":[{"name":"model.safetensors","primary":true,"downloadUrl":%q}]}`, origin.URL+"/api/download/models/4242")
		})
		mux.HandleFunc("/api/download/models/4242", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		origin = httptest.NewServer(mux)
		defer origin.Close()

		client := NewCivitaiClient(origin.URL, "secret", zap.NewNop())
		artifact, err := client.Resolve(context.Background(), req)
		require.NoError(t, err)

		assert.Equal(t, "Bearer secret", artifact.AuthHeader)
	})

	t.Run("unrecognized model type routes to other", func(t *testing.T) {
		origin, _, _ := newCivitaiFixture(t, "MotionModule")
		client := NewCivitaiClient(origin.URL, "", zap.NewNop())

		untagged := types.AcquisitionRequest{Registry: types.RegistryCivitai, Identifier: "42"}
		artifact, err := client.Resolve(context.Background(), untagged)
		require.NoError(t, err)
		assert.Equal(t, types.CategoryOther, artifact.Category)
	})

	t.Run("declared category wins over the API type", func(t *testing.T) {
		origin, _, _ := newCivitaiFixture(t, "LORA")
		client := NewCivitaiClient(origin.URL, "", zap.NewNop())

		artifact, err := client.Resolve(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, types.CategoryCheckpoints, artifact.Category)
	})

	t.Run("mapped API type used for untagged requests", func(t *testing.T) {
		origin, _, _ := newCivitaiFixture(t, "TextualInversion")
		client := NewCivitaiClient(origin.URL, "", zap.NewNop())

		untagged := types.AcquisitionRequest{Registry: types.RegistryCivitai, Identifier: "42"}
		artifact, err := client.Resolve(context.Background(), untagged)
		require.NoError(t, err)
		assert.Equal(t, types.CategoryEmbeddings, artifact.Category)
	})

	t.Run("unknown identifier is terminal not-found", func(t *testing.T) {
		origin := httptest.NewServer(http.NotFoundHandler())
		defer origin.Close()

		client := NewCivitaiClient(origin.URL, "", zap.NewNop())
		_, err := client.Resolve(context.Background(), req)
		require.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("rejected credential surfaces as auth error", func(t *testing.T) {
		origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer origin.Close()

		client := NewCivitaiClient(origin.URL, "bad", zap.NewNop())
		_, err := client.Resolve(context.Background(), req)

		var authErr *types.AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "42", authErr.Identifier)
	})

	t.Run("version without files is a resolve error", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/v1/models/42", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"type":"Checkpoint","modelVersions":[{"id":4242}]}`)
		})
		mux.HandleFunc("/api/v1/model-versions/4242", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"files":[]}`)
		})
		origin := httptest.NewServer(mux)
		defer origin.Close()

		client := NewCivitaiClient(origin.URL, "", zap.NewNop())
		_, err := client.Resolve(context.Background(), req)

		var resolveErr *types.ResolveError
		require.ErrorAs(t, err, &resolveErr)
	})

	t.Run("malformed metadata is a resolve error", func(t *testing.T) {
		origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "not json")
		}))
		defer origin.Close()

		client := NewCivitaiClient(origin.URL, "", zap.NewNop())
		_, err := client.Resolve(context.Background(), req)

		var resolveErr *types.ResolveError
		require.ErrorAs(t, err, &resolveErr)
	})
}

func TestSameAuthority(t *testing.T) {
	assert.True(t, sameAuthority("https://civitai.com/api/download/models/1", "https://www.civitai.com/x"))
	assert.False(t, sameAuthority("https://civitai.com/a", "https://r2.cloudflarestorage.example/b"))
	assert.False(t, sameAuthority("http://127.0.0.1:1000/a", "http://127.0.0.1:2000/b"))
}
