package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	fserr "github.com/bleepstore/bleepfile/internal/errors"
	"github.com/bleepstore/bleepfile/internal/xmlutil"
)

// skipPaths are the operational endpoints. Each sits under a share name
// that naming.ValidateShareName reserves, or under a first segment that is
// not a valid share name at all, so no share path is ever skipped.
var skipPaths = map[string]bool{
	"/health":           true,
	"/ready":            true,
	"/metrics":          true,
	"/docs":             true,
	"/openapi.json":     true,
	"/openapi.yaml":     true,
	"/openapi-3.0.json": true,
	"/openapi-3.0.yaml": true,
}

// schemasPrefix is where the API serves its JSON schemas.
const schemasPrefix = "/openapi/schemas/"

// Middleware returns HTTP middleware that enforces SharedKey or SAS
// authentication on all requests except those to the operational
// endpoints in skipPaths.
func Middleware(verifier *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if skipPaths[path] || strings.HasPrefix(path, schemasPrefix) {
				next.ServeHTTP(w, r)
				return
			}

			switch DetectAuthMethod(r) {
			case "none":
				xmlutil.WriteErrorResponse(w, r, fserr.ErrAuthenticationFailed.
					WithExtra("AuthenticationErrorDetail", "No SharedKey Authorization header or SAS signature was found."))
				return

			case "ambiguous":
				xmlutil.WriteErrorResponse(w, r, fserr.ErrAuthenticationFailed.
					WithExtra("AuthenticationErrorDetail", "Only one authentication mechanism is allowed per request."))
				return

			case "sharedkey":
				account, err := verifier.VerifySharedKey(r)
				if err != nil {
					writeAuthError(w, r, err)
					return
				}
				r = r.WithContext(context.WithValue(r.Context(), accountKey, account))

			case "sas":
				sas, err := verifier.VerifySAS(r)
				if err != nil {
					writeAuthError(w, r, err)
					return
				}
				ctx := context.WithValue(r.Context(), accountKey, verifier.AccountName)
				r = r.WithContext(context.WithValue(ctx, sasKey, sas))
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeAuthError maps an AuthError to the matching error XML response.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		xmlutil.WriteErrorResponse(w, r, fserr.ErrInternalError)
		return
	}

	switch authErr.Code {
	case "AuthorizationPermissionMismatch":
		xmlutil.WriteErrorResponse(w, r, fserr.ErrAuthorizationPermissionMismatch)
	case "AuthorizationFailure":
		xmlutil.WriteErrorResponse(w, r, fserr.ErrAuthorizationFailure.WithMessage("%s", authErr.Message))
	case "MissingRequiredHeader":
		xmlutil.WriteErrorResponse(w, r, fserr.ErrMissingRequiredHeader.WithMessage("%s", authErr.Message))
	case "InternalError":
		xmlutil.WriteErrorResponse(w, r, fserr.ErrInternalError)
	default:
		xmlutil.WriteErrorResponse(w, r, fserr.ErrAuthenticationFailed.
			WithExtra("AuthenticationErrorDetail", authErr.Message))
	}
}
