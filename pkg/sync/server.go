package sync

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/noosphere/sphereengine/pkg/authority"
	"github.com/noosphere/sphereengine/pkg/blockstore"
	"github.com/noosphere/sphereengine/pkg/codec"
	"github.com/noosphere/sphereengine/pkg/errutil"
	"github.com/noosphere/sphereengine/pkg/identity"
	"github.com/noosphere/sphereengine/pkg/petname"
	"github.com/noosphere/sphereengine/pkg/replication"
	"github.com/noosphere/sphereengine/pkg/sphere"
)

// Gateway is a sphere-context server pinned to one block store that acts as
// a publishing peer for one or more user spheres. Every sphere it
// mirrors lives in the same store the client pushes into; "pinning" is
// therefore implicit in having imported the blocks.
type Gateway struct {
	Identity *identity.KeyPair
	Store    blockstore.Backend
	NNS      petname.NNS
	Log      *logrus.Logger
}

// Server exposes a Gateway over the sync wire protocol.
type Server struct {
	gw     *Gateway
	router *mux.Router
	http   *http.Server
}

// NewServer builds the router and HTTP server for gw, listening at addr.
func NewServer(gw *Gateway, addr string) *Server {
	if gw.Log == nil {
		gw.Log = logrus.New()
	}
	s := &Server{gw: gw, router: mux.NewRouter()}
	s.routes()
	s.http = &http.Server{Addr: addr, Handler: s.router}
	return s
}

func (s *Server) Start() error { return s.http.ListenAndServe() }

func (s *Server) Close() error { return s.http.Close() }

func (s *Server) routes() {
	s.router.Use(s.loggingMiddleware)
	s.router.HandleFunc("/push", s.handlePush).Methods(http.MethodPost)
	s.router.HandleFunc("/fetch", s.handleFetch).Methods(http.MethodGet)
	s.router.HandleFunc("/identify", s.handleIdentify).Methods(http.MethodGet)
	s.router.HandleFunc("/authorize", s.handleAuthorize).Methods(http.MethodPost)
	s.router.HandleFunc("/authorize/{token_cid}", s.handleRevoke).Methods(http.MethodDelete)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.gw.Log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Debug("sync: request")
		next.ServeHTTP(w, r)
	})
}

// handlePush implements POST /push.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	sphereID := q.Get(paramSphereID)
	localTip, err := codec.ParseCID(q.Get(paramLocalTip))
	if err != nil {
		httpError(w, errutil.New(errutil.Malformed, "bad "+paramLocalTip))
		return
	}
	knownTip, err := parseCIDOrUndef(q.Get(paramKnownTip))
	if err != nil {
		httpError(w, errutil.New(errutil.Malformed, "bad "+paramKnownTip))
		return
	}

	release, ok, err := acquirePushLock(ctx, s.gw.Store, sphereID)
	if err != nil {
		httpError(w, err)
		return
	}
	if !ok {
		http.Error(w, "a push for this sphere is already in progress", http.StatusConflict)
		return
	}
	defer release(ctx)

	currentTip, err := sphere.Tip(ctx, s.gw.Store, sphereID)
	if err != nil && !errutil.Is(err, errutil.NotFound) {
		httpError(w, err)
		return
	}
	if currentTip != knownTip {
		writeJSON(w, http.StatusConflict, PushResponse{Status: PushCounterpartAdvanced, Tip: currentTip.String()})
		return
	}

	if _, err := replication.Import(ctx, s.gw.Store, r.Body); err != nil {
		httpError(w, err)
		return
	}

	rev, err := sphere.GetRevision(ctx, s.gw.Store, localTip)
	if err != nil {
		httpError(w, err)
		return
	}
	chain, err := authority.Open(ctx, s.gw.Store, sphereID, rev.AuthorityRoot)
	if err != nil {
		httpError(w, err)
		return
	}
	if ok, reason, err := chain.Verify(ctx, rev.Authorization, authority.ResourceForSphere(sphereID), authority.ActionPublish, false); err != nil {
		httpError(w, err)
		return
	} else if !ok {
		http.Error(w, "not authorized: "+reason, http.StatusUnauthorized)
		return
	}

	swapped, err := s.gw.Store.CompareAndSwap(ctx, blockstore.NamespaceSphereTips, sphereID, cidBytesOrNil(currentTip), localTip.Bytes())
	if err != nil {
		httpError(w, err)
		return
	}
	if !swapped {
		// Someone else advanced the tip between our read and our CAS; ask
		// the client to re-fetch and rebase rather than silently dropping
		// the push.
		latest, _ := sphere.Tip(ctx, s.gw.Store, sphereID)
		writeJSON(w, http.StatusConflict, PushResponse{Status: PushCounterpartAdvanced, Tip: latest.String()})
		return
	}

	if s.gw.NNS != nil {
		link := &petname.LinkRecord{
			Identity: sphereID,
			Revision: localTip,
			SignedAt: time.Now().Unix(),
			Expires:  time.Now().Add(24 * time.Hour).Unix(),
		}
		if err := link.Sign(s.gw.Identity); err == nil {
			_ = s.gw.NNS.Publish(ctx, link)
		}
	}

	writeJSON(w, http.StatusOK, PushResponse{Status: PushAccepted, Tip: localTip.String()})
}

// handleFetch implements GET /fetch.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	sphereID := q.Get(paramCounterpart)
	knownTip, err := parseCIDOrUndef(q.Get(paramKnown))
	if err != nil {
		httpError(w, errutil.New(errutil.Malformed, "bad "+paramKnown))
		return
	}
	tip, err := sphere.Tip(ctx, s.gw.Store, sphereID)
	if err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.noosphere.car")
	w.WriteHeader(http.StatusOK)
	if err := replication.Incremental(ctx, s.gw.Store, knownTip, tip, w); err != nil {
		s.gw.Log.WithError(err).Error("sync: fetch export failed mid-stream")
	}
}

// handleIdentify implements GET /identify.
func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, IdentifyResponse{GatewayDID: s.gw.Identity.DID})
}

// handleAuthorize implements POST /authorize: out-of-band authority
// management against the sphere replica the gateway holds.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req AuthorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, errutil.Wrap(errutil.Malformed, err, "decode authorize request"))
		return
	}
	sphereID := r.URL.Query().Get(paramSphereID)
	sc, err := sphere.Open(ctx, s.gw.Store, sphereID, codec.Undef)
	if err != nil {
		httpError(w, err)
		return
	}
	issuerToken, err := parseCIDOrUndef(req.IssuerToken)
	if err != nil {
		httpError(w, errutil.New(errutil.Malformed, "bad issuer_token"))
		return
	}
	tokCID, err := sc.Chain().Authorize(ctx, s.gw.Identity, issuerToken, req.Name, req.AudienceDID, req.Actions, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AuthorizeResponse{TokenCID: tokCID.String()})
}

// handleRevoke implements DELETE /authorize/{token_cid}.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sphereID := r.URL.Query().Get(paramSphereID)
	tokenCID, err := codec.ParseCID(mux.Vars(r)["token_cid"])
	if err != nil {
		httpError(w, errutil.New(errutil.Malformed, "bad token_cid"))
		return
	}
	sc, err := sphere.Open(ctx, s.gw.Store, sphereID, codec.Undef)
	if err != nil {
		httpError(w, err)
		return
	}
	if err := sc.Chain().Revoke(ctx, tokenCID); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func cidBytesOrNil(c codec.CID) []byte {
	if c == codec.Undef {
		return nil
	}
	return c.Bytes()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, err error) {
	switch errutil.KindOf(err) {
	case errutil.NotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case errutil.NotAuthorized:
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errutil.Malformed:
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errutil.ConflictingWrite:
		http.Error(w, err.Error(), http.StatusConflict)
	case errutil.Incomplete:
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
