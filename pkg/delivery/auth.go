/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package delivery

import "net/http"

// AuthKind is one of the four authentication schemes a Subscriber can
// require.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBasic  AuthKind = "basic"
	AuthBearer AuthKind = "bearer"
	AuthAPIKey AuthKind = "api_key"
)

// Auth describes how to authenticate an outbound delivery. For AuthBasic,
// Credentials is "user:password". For AuthBearer, Credentials is the token.
// For AuthAPIKey, Credentials is the key value and HeaderName names the
// header it is sent in (defaulting to X-API-Key).
type Auth struct {
	Kind       AuthKind
	Credentials string
	HeaderName  string
}

// headerName reports which request header this auth scheme occupies, so
// custom headers never clobber it. Empty for AuthNone.
func (a Auth) headerName() string {
	switch a.Kind {
	case AuthBasic, AuthBearer:
		return "Authorization"
	case AuthAPIKey:
		if a.HeaderName != "" {
			return a.HeaderName
		}
		return "X-API-Key"
	default:
		return ""
	}
}

// AuthApplier applies a Subscriber's authentication scheme to an outbound
// request.
type AuthApplier interface {
	Apply(req *http.Request, auth Auth)
}

// DefaultAuthApplier implements the four auth kinds directly against
// net/http.Request, grounded on the existing http.Client construction
// (internal/httpclient) rather than pulling in an auth-specific library.
type DefaultAuthApplier struct{}

func (DefaultAuthApplier) Apply(req *http.Request, auth Auth) {
	switch auth.Kind {
	case AuthBasic:
		user, pass := splitBasic(auth.Credentials)
		req.SetBasicAuth(user, pass)
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Credentials)
	case AuthAPIKey:
		req.Header.Set(auth.headerName(), auth.Credentials)
	case AuthNone:
	}
}

func splitBasic(credentials string) (user, pass string) {
	for i := 0; i < len(credentials); i++ {
		if credentials[i] == ':' {
			return credentials[:i], credentials[i+1:]
		}
	}
	return credentials, ""
}
