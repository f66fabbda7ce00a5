// Package dispatch implements the single HTTP endpoint the protocol
// rides on: decode a CBOR envelope, route by messageType to the right
// flow state machine, and translate every outcome (reply payload,
// apierr.Error, or session end) back into a CBOR response. Grounded on
// the teacher's cmd/api-server/main.go for the server/middleware shape
// and server.py's MainHandler.post for the exact routing switch.
package dispatch

import (
	"io"
	"log"
	"net/http"

	"github.com/fxamacker/cbor/v2"

	"github.com/utopia-mdl/issuing-server/internal/apierr"
	"github.com/utopia-mdl/issuing-server/internal/issuance"
	"github.com/utopia-mdl/issuing-server/internal/session"
)

// Dispatcher owns the flow engine and the session registry and is
// mounted as the handler for the server's single POST endpoint.
type Dispatcher struct {
	Flows    *issuance.Flows
	Sessions *session.Registry
	Logger   *log.Logger
}

// ServeHTTP implements http.Handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusInternalServerError)
		return
	}

	env, err := issuance.DecodeEnvelope(body)
	if err != nil || env.MessageType == "" {
		http.Error(w, "malformed request body", http.StatusInternalServerError)
		return
	}

	switch env.MessageType {
	case "RequestEndSession":
		sess, err := d.Sessions.Lookup(env.ESessionID)
		if err != nil {
			http.Error(w, "unknown session", http.StatusInternalServerError)
			return
		}
		d.Sessions.End(sess.ID)
		d.writeEndSession(w, sess.ID, issuance.ReasonSuccess, "")
		return

	case "StartProvisioning":
		d.startFlow(w, body, session.FlowProvisioning, &issuance.Provisioning{}, func(s *session.Session) (interface{}, *apierr.Error) {
			return s.State.(*issuance.Provisioning).GenericStartProvisioning(d.Flows, body)
		})
	case "com.android.identity_credential.StartProvisioning":
		d.continueFlow(w, env.ESessionID, body, func(s *session.Session) (interface{}, *apierr.Error) {
			return s.State.(*issuance.Provisioning).StartProvisioning(d.Flows)
		})
	case "com.android.identity_credential.SetCertificateChain":
		d.continueFlow(w, env.ESessionID, body, func(s *session.Session) (interface{}, *apierr.Error) {
			return s.State.(*issuance.Provisioning).SetCertificateChain(d.Flows, body)
		})
	case "com.android.identity_credential.SetProofOfProvisioning":
		d.continueFlowTerminal(w, env.ESessionID, body, func(s *session.Session) *apierr.Error {
			return s.State.(*issuance.Provisioning).SetProofOfProvisioning(d.Flows, body)
		})

	case "com.android.identity_credential.CertifyAuthKeys":
		d.startFlow(w, body, session.FlowCertifyAuthKeys, &issuance.CertifyAuthKeys{}, func(s *session.Session) (interface{}, *apierr.Error) {
			return s.State.(*issuance.CertifyAuthKeys).CertifyAuthKeysStart(d.Flows, body)
		})
	case "com.android.identity_credential.CertifyAuthKeysProveOwnershipResponse":
		d.continueFlow(w, env.ESessionID, body, func(s *session.Session) (interface{}, *apierr.Error) {
			return s.State.(*issuance.CertifyAuthKeys).CertifyAuthKeysProveOwnershipResponse(d.Flows, body)
		})
	case "com.android.identity_credential.CertifyAuthKeysSendCerts":
		d.continueFlowAndEnd(w, env.ESessionID, body, func(s *session.Session) (interface{}, *apierr.Error) {
			return s.State.(*issuance.CertifyAuthKeys).CertifyAuthKeysSendCerts(d.Flows, body)
		})

	case "com.android.identity_credential.UpdateCredential":
		d.startFlow(w, body, session.FlowUpdateCredential, &issuance.Update{}, func(s *session.Session) (interface{}, *apierr.Error) {
			return s.State.(*issuance.Update).UpdateCredentialStart(d.Flows, body)
		})
	case "com.android.identity_credential.UpdateCredentialProveOwnershipResponse":
		d.continueFlow(w, env.ESessionID, body, func(s *session.Session) (interface{}, *apierr.Error) {
			return s.State.(*issuance.Update).UpdateCredentialProveOwnershipResponse(d.Flows, body)
		})
	case "com.android.identity_credential.UpdateCredentialGetDataToUpdate":
		d.continueFlow(w, env.ESessionID, body, func(s *session.Session) (interface{}, *apierr.Error) {
			return s.State.(*issuance.Update).UpdateCredentialGetDataToUpdate(d.Flows)
		})
	case "com.android.identity_credential.UpdateCredentialSetProofOfProvisioning":
		d.continueFlowTerminal(w, env.ESessionID, body, func(s *session.Session) *apierr.Error {
			return s.State.(*issuance.Update).UpdateCredentialSetProofOfProvisioning(d.Flows, body)
		})

	case "com.android.identity_credential.DeleteCredential":
		d.startFlow(w, body, session.FlowDeleteCredential, &issuance.Delete{}, func(s *session.Session) (interface{}, *apierr.Error) {
			return s.State.(*issuance.Delete).DeleteCredentialStart(d.Flows, body)
		})
	case "com.android.identity_credential.DeleteCredentialProveOwnershipResponse":
		d.continueFlow(w, env.ESessionID, body, func(s *session.Session) (interface{}, *apierr.Error) {
			return s.State.(*issuance.Delete).DeleteCredentialProveOwnershipResponse(d.Flows, body)
		})
	case "com.android.identity_credential.DeleteCredentialDeleted":
		d.continueFlowTerminal(w, env.ESessionID, body, func(s *session.Session) *apierr.Error {
			return s.State.(*issuance.Delete).DeleteCredentialDeleted(d.Flows, body)
		})

	default:
		http.Error(w, "unknown messageType", http.StatusInternalServerError)
	}
}

// startFlow allocates a new session for a flow-initiating message,
// invokes the handler, and either writes its reply or ends the session
// with a failure.
func (d *Dispatcher) startFlow(w http.ResponseWriter, body []byte, flow session.Flow, state interface{}, handle func(*session.Session) (interface{}, *apierr.Error)) {
	sess, err := d.Sessions.Start(flow, state)
	if err != nil {
		http.Error(w, "failed to start session", http.StatusInternalServerError)
		return
	}
	reply, aerr := handle(sess)
	if aerr != nil {
		d.fail(w, sess.ID, aerr)
		return
	}
	d.writeReply(w, sess.ID, reply)
}

// continueFlow looks up an existing session for a continuation message
// type and invokes the handler, writing its reply or ending the session
// on failure.
func (d *Dispatcher) continueFlow(w http.ResponseWriter, sessionID string, body []byte, handle func(*session.Session) (interface{}, *apierr.Error)) {
	sess, err := d.Sessions.Lookup(sessionID)
	if err != nil {
		http.Error(w, "unknown session", http.StatusInternalServerError)
		return
	}
	reply, aerr := handle(sess)
	if aerr != nil {
		d.fail(w, sess.ID, aerr)
		return
	}
	d.writeReply(w, sess.ID, reply)
}

// continueFlowAndEnd is continueFlow for steps whose successful reply is
// also the flow's terminal message (CertifyAuthKeysSendCerts has no
// separate commit step the way Provisioning/Update/Delete do).
func (d *Dispatcher) continueFlowAndEnd(w http.ResponseWriter, sessionID string, body []byte, handle func(*session.Session) (interface{}, *apierr.Error)) {
	sess, err := d.Sessions.Lookup(sessionID)
	if err != nil {
		http.Error(w, "unknown session", http.StatusInternalServerError)
		return
	}
	reply, aerr := handle(sess)
	if aerr != nil {
		d.fail(w, sess.ID, aerr)
		return
	}
	d.Sessions.End(sess.ID)
	d.writeReply(w, sess.ID, reply)
}

// continueFlowTerminal is for steps that end the session on success
// instead of returning a payload (set-proof-of-provisioning,
// set-proof-of-deletion).
func (d *Dispatcher) continueFlowTerminal(w http.ResponseWriter, sessionID string, body []byte, handle func(*session.Session) *apierr.Error) {
	sess, err := d.Sessions.Lookup(sessionID)
	if err != nil {
		http.Error(w, "unknown session", http.StatusInternalServerError)
		return
	}
	if aerr := handle(sess); aerr != nil {
		d.fail(w, sess.ID, aerr)
		return
	}
	d.Sessions.End(sess.ID)
	d.writeEndSession(w, sess.ID, issuance.ReasonSuccess, "")
}

func (d *Dispatcher) fail(w http.ResponseWriter, sessionID string, aerr *apierr.Error) {
	if d.Logger != nil {
		d.Logger.Printf("session %s failed: %v", sessionID, aerr)
	}
	d.Sessions.End(sessionID)
	d.writeEndSession(w, sessionID, issuance.ReasonFailed, aerr.Error())
}

func (d *Dispatcher) writeReply(w http.ResponseWriter, sessionID string, reply interface{}) {
	if stamped, ok := reply.(issuance.SessionIDSetter); ok {
		stamped.SetSessionID(sessionID)
	}
	encoded, err := cbor.Marshal(reply)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Write(encoded)
}

func (d *Dispatcher) writeEndSession(w http.ResponseWriter, sessionID, reason, detail string) {
	d.writeReply(w, sessionID, issuance.NewEndSessionMessage(sessionID, reason, detail))
}
