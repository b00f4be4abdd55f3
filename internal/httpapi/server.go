// Package httpapi is the thin net/http binding for cmd/fluxpod serve. The
// core does not care about transport (spec §6.1); this package exists
// only so the binary has something to listen on. It carries no auth
// middleware chain and no OpenAPI generation — those are explicitly the
// handler layer's concern, not the core's.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/fluxpod/fluxpod/pkg/apierr"
	"github.com/fluxpod/fluxpod/pkg/authz"
	"github.com/fluxpod/fluxpod/pkg/broker"
	"github.com/fluxpod/fluxpod/pkg/log"
	"github.com/fluxpod/fluxpod/pkg/queue"
	"github.com/fluxpod/fluxpod/pkg/security"
	"github.com/fluxpod/fluxpod/pkg/storage"
	"github.com/fluxpod/fluxpod/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Server binds the operations of spec §6.1 onto a net/http.ServeMux.
type Server struct {
	store     storage.Store
	broker    broker.Broker
	enc       *security.Encryptor
	rootOwner string
	mux       *http.ServeMux
	logger    zerolog.Logger
}

// New constructs a Server and registers its routes.
func New(store storage.Store, b broker.Broker, enc *security.Encryptor, rootOwner string) *Server {
	s := &Server{
		store:     store,
		broker:    b,
		enc:       enc,
		rootOwner: rootOwner,
		mux:       http.NewServeMux(),
		logger:    log.WithComponent("httpapi"),
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.mux.HandleFunc("/containers", s.handleContainers)
	s.mux.HandleFunc("/containers/", s.handleContainerByPath)
	s.mux.HandleFunc("/processors", s.handleProcessors)
	s.mux.HandleFunc("/processors/", s.handleProcessorByPath)
	s.mux.HandleFunc("/secrets", s.handleSecrets)
	s.mux.HandleFunc("/secrets/", s.handleSecretByPath)
	s.mux.HandleFunc("/namespaces", s.handleNamespaces)
	s.mux.HandleFunc("/namespaces/", s.handleNamespaceByPath)
	s.mux.HandleFunc("/cache/", s.handleCache)
}

// principalFromRequest reads the authenticated principal the external
// auth layer is assumed to have already attached (spec §6.2). Absent any
// real auth middleware here, it reads the principal's email from the
// X-Fluxpod-Principal header, with no organization memberships, so the
// handler shape can still be exercised end-to-end in development.
func principalFromRequest(r *http.Request) authz.Principal {
	return authz.Principal{
		Email:         r.Header.Get("X-Fluxpod-Principal"),
		Organizations: map[string]string{},
	}
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, namespace string) (*types.Namespace, bool) {
	ns, err := s.store.GetNamespaceByName(namespace)
	if err != nil {
		writeError(w, apierr.NotFound("namespace not found"))
		return nil, false
	}
	principal := principalFromRequest(r)
	if !authz.Authorized(principal, authz.Namespace{Name: ns.Name, Owner: ns.Owner}, s.rootOwner) {
		writeError(w, apierr.Unauthorized("not authorized for namespace "+namespace))
		return nil, false
	}
	return ns, true
}

// --- containers ---

func (s *Server) handleContainers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req types.ContainerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apierr.Validation("invalid container request body"))
			return
		}
		meta := metaFromQuery(r)
		if _, ok := s.authorize(w, r, meta.Namespace); !ok {
			return
		}
		c := &types.Container{ResourceMeta: meta, ContainerRequest: req, DesiredStatus: types.ContainerRunning}
		if err := c.SetStatus(&types.ContainerStatus{Status: types.ContainerDefined}); err != nil {
			writeError(w, apierr.Internal("encode status", err))
			return
		}
		if c.Queue != "" {
			decision, err := queue.Admit(s.store, c.Queue, c)
			if err != nil {
				writeError(w, apierr.Internal("evaluate queue admission", err))
				return
			}
			if !decision.Admit {
				_ = c.SetStatus(&types.ContainerStatus{Status: types.ContainerQueued})
			}
		}
		if err := s.store.CreateContainer(c); err != nil {
			writeError(w, storeErr(err, "create failed"))
			return
		}
		writeJSON(w, http.StatusCreated, c)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleContainerByPath(w http.ResponseWriter, r *http.Request) {
	namespace, name, id := splitResourcePath(strings.TrimPrefix(r.URL.Path, "/containers/"))

	var c *types.Container
	var err error
	if id != "" {
		c, err = s.store.GetContainer(id)
	} else {
		c, err = s.store.GetContainerByName(namespace, name)
	}
	if err != nil {
		writeError(w, apierr.NotFound("container not found"))
		return
	}
	if _, ok := s.authorize(w, r, c.Namespace); !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, c)
	case http.MethodDelete:
		if c.ResourceName != "" {
			s.logger.Info().Str("container_id", c.ID).Msg("delete requires backend adapter invocation by the reconciler's owning platform before row removal")
		}
		if err := s.store.DeleteContainer(c.ID); err != nil {
			writeError(w, apierr.Internal("delete container", err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPatch:
		var patch types.ContainerRequest
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, apierr.Validation("invalid patch body"))
			return
		}
		noDelete := r.URL.Query().Get("no_delete") == "true"
		if !noDelete {
			writeError(w, apierr.Conflict("changes require deletion"))
			return
		}
		c.ContainerRequest = patch
		if err := s.store.UpdateContainer(c); err != nil {
			writeError(w, apierr.Internal("update container", err))
			return
		}
		writeJSON(w, http.StatusOK, c)
	default:
		methodNotAllowed(w)
	}
}

// --- processors ---

func (s *Server) handleProcessors(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var p types.Processor
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, apierr.Validation("invalid processor request body"))
			return
		}
		p.ResourceMeta = metaFromQuery(r)
		if _, ok := s.authorize(w, r, p.Namespace); !ok {
			return
		}
		if err := p.SetStatus(&types.ProcessorStatus{Status: types.ProcessorDefined}); err != nil {
			writeError(w, apierr.Internal("encode status", err))
			return
		}
		if err := s.store.CreateProcessor(&p); err != nil {
			writeError(w, storeErr(err, "create failed"))
			return
		}
		writeJSON(w, http.StatusCreated, &p)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleProcessorByPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/processors/")
	if strings.HasSuffix(rest, "/scale") {
		s.handleProcessorScale(w, r, strings.TrimSuffix(rest, "/scale"))
		return
	}

	namespace, name, id := splitResourcePath(rest)
	var p *types.Processor
	var err error
	if id != "" {
		p, err = s.store.GetProcessor(id)
	} else {
		p, err = s.store.GetProcessorByName(namespace, name)
	}
	if err != nil {
		writeError(w, apierr.NotFound("processor not found"))
		return
	}
	if _, ok := s.authorize(w, r, p.Namespace); !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, p)
	case http.MethodDelete:
		if err := s.store.DeleteProcessor(p.ID); err != nil {
			writeError(w, apierr.Internal("delete processor", err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleProcessorScale(w http.ResponseWriter, r *http.Request, path string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	namespace, name, id := splitResourcePath(path)
	var p *types.Processor
	var err error
	if id != "" {
		p, err = s.store.GetProcessor(id)
	} else {
		p, err = s.store.GetProcessorByName(namespace, name)
	}
	if err != nil {
		writeError(w, apierr.NotFound("processor not found"))
		return
	}
	if _, ok := s.authorize(w, r, p.Namespace); !ok {
		return
	}

	var body struct {
		Replicas    *int `json:"replicas"`
		MinReplicas *int `json:"min_replicas"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierr.Validation("invalid scale body"))
		return
	}
	if body.Replicas != nil {
		p.DesiredReplicas = *body.Replicas
	}
	if body.MinReplicas != nil {
		p.MinReplicas = *body.MinReplicas
	}
	if err := s.store.UpdateProcessor(p); err != nil {
		writeError(w, apierr.Internal("update processor", err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- secrets ---

func (s *Server) handleSecrets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var body struct {
		types.ResourceMeta
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierr.Validation("invalid secret body"))
		return
	}
	if _, ok := s.authorize(w, r, body.Namespace); !ok {
		return
	}
	ciphertext, nonce, err := s.enc.Encrypt([]byte(body.Value))
	if err != nil {
		writeError(w, apierr.Internal("encrypt secret", err))
		return
	}
	secret := &types.Secret{
		ResourceMeta:   body.ResourceMeta,
		EncryptedValue: ciphertext,
		Nonce:          nonce,
	}
	if secret.ID == "" {
		secret.ID = uuid.NewString()
	}
	if err := s.store.CreateSecret(secret); err != nil {
		writeError(w, storeErr(err, "create failed"))
		return
	}
	writeJSON(w, http.StatusCreated, secret)
}

func (s *Server) handleSecretByPath(w http.ResponseWriter, r *http.Request) {
	namespace, name, id := splitResourcePath(strings.TrimPrefix(r.URL.Path, "/secrets/"))
	var secret *types.Secret
	var err error
	if id != "" {
		secret, err = s.store.GetSecret(id)
	} else {
		secret, err = s.store.GetSecretByName(namespace, name)
	}
	if err != nil {
		writeError(w, apierr.NotFound("secret not found"))
		return
	}
	if _, ok := s.authorize(w, r, secret.Namespace); !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, secret) // encrypted_value stays ciphertext on the wire
	case http.MethodDelete:
		if err := s.store.DeleteSecret(secret.ID); err != nil {
			writeError(w, apierr.Internal("delete secret", err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

// --- namespaces ---

func (s *Server) handleNamespaces(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var ns types.Namespace
		if err := json.NewDecoder(r.Body).Decode(&ns); err != nil {
			writeError(w, apierr.Validation("invalid namespace body"))
			return
		}
		if ns.ID == "" {
			ns.ID = uuid.NewString()
		}
		if err := s.store.CreateNamespace(&ns); err != nil {
			writeError(w, storeErr(err, "create failed"))
			return
		}
		writeJSON(w, http.StatusCreated, &ns)
	case http.MethodGet:
		list, err := s.store.ListNamespaces()
		if err != nil {
			writeError(w, apierr.Internal("list namespaces", err))
			return
		}
		writeJSON(w, http.StatusOK, list)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleNamespaceByPath(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/namespaces/")
	ns, err := s.store.GetNamespaceByName(name)
	if err != nil {
		writeError(w, apierr.NotFound("namespace not found"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, ns)
	case http.MethodDelete:
		if err := s.store.DeleteNamespace(ns.ID); err != nil {
			writeError(w, apierr.Internal("delete namespace", err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

// --- cache (thin Redis pass-through, spec §6.1) ---

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeError(w, apierr.Internal("cache pass-through requires a configured broker", nil))
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/cache/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		writeError(w, apierr.Validation("path must be /cache/{namespace}/{key-or-prefix}"))
		return
	}
	namespace, key := parts[0], parts[1]

	switch r.Method {
	case http.MethodGet:
		if strings.HasSuffix(r.URL.Path, "/") || r.URL.Query().Has("prefix") {
			keys, err := s.broker.CacheList(r.Context(), namespace, key)
			if err != nil {
				writeError(w, apierr.Internal("list cache keys", err))
				return
			}
			writeJSON(w, http.StatusOK, keys)
			return
		}
		value, found, err := s.broker.CacheGet(r.Context(), namespace, key)
		if err != nil {
			writeError(w, apierr.Internal("get cache key", err))
			return
		}
		if !found {
			writeError(w, apierr.NotFound("cache key not found"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"value": value})
	case http.MethodDelete:
		if err := s.broker.CacheDelete(r.Context(), namespace, key); err != nil {
			writeError(w, apierr.Internal("delete cache key", err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

// --- helpers ---

func metaFromQuery(r *http.Request) types.ResourceMeta {
	now := time.Now()
	return types.ResourceMeta{
		ID:        uuid.NewString(),
		Name:      r.URL.Query().Get("name"),
		Namespace: r.URL.Query().Get("namespace"),
		Owner:     principalFromRequest(r).Email,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func splitResourcePath(rest string) (namespace, name, id string) {
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 1 {
		return "", "", parts[0]
	}
	if len(parts) >= 2 {
		return parts[0], parts[1], ""
	}
	return "", "", ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err *apierr.Error) {
	status := http.StatusInternalServerError
	switch err.Kind {
	case apierr.KindValidation:
		status = http.StatusBadRequest
	case apierr.KindAuthorization:
		status = http.StatusForbidden
	case apierr.KindConflict:
		status = http.StatusConflict
	case apierr.KindNotFound:
		status = http.StatusNotFound
	case apierr.KindBackendTransient:
		status = http.StatusBadGateway
	case apierr.KindBackendPermanent:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{"error": err.Message})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, apierr.New(apierr.KindValidation, "method not allowed"))
}

// storeErr preserves a storage-layer error's classification (the store
// already returns *apierr.Error for conflicts and not-found misses)
// instead of flattening every failure into one kind.
func storeErr(err error, fallbackMsg string) *apierr.Error {
	var classified *apierr.Error
	if errors.As(err, &classified) {
		return classified
	}
	return apierr.Internal(fallbackMsg, err)
}
