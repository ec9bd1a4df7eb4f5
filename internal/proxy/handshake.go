package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/udisondev/bedrockproxy/internal/crypto"
	"github.com/udisondev/bedrockproxy/internal/dump"
	"github.com/udisondev/bedrockproxy/internal/metrics"
	"github.com/udisondev/bedrockproxy/internal/model"
	"github.com/udisondev/bedrockproxy/internal/protocol/packet"
	"github.com/udisondev/bedrockproxy/internal/transport"
)

const recordTimeout = 5 * time.Second

// failHandshake ends the session because a handshake step on link failed.
func (s *Session) failHandshake(link, reason string, err error) {
	s.env.metrics.Handshake(link, metrics.ResultFailed)
	s.log.Warn("handshake failed", "link", link, "reason", reason, "err", err)
	s.Close(reason)
}

// handleLogin validates the client's credentials, starts client encryption
// and kicks off the backend connection.
func (s *Session) handleLogin(l *packet.Login) {
	if s.ClientState() != LinkAwaitingHandshake {
		s.log.Warn("duplicate login ignored", "state", s.ClientState())
		return
	}

	chain, err := crypto.ParseLoginChain(l.Chain)
	if err != nil {
		s.failHandshake(metrics.LinkClient, "Invalid login chain", err)
		return
	}

	res := s.env.provider.ValidateChain(chain)
	id := res.Identity
	if !id.Complete() {
		s.failHandshake(metrics.LinkClient, "Invalid login identity", res.Reason)
		return
	}
	if !res.FullyTrusted {
		s.log.Debug("login chain not fully trusted", "reason", res.Reason)
	}
	if !id.Authenticated {
		if s.env.cfg.RequireAuthentication {
			s.failHandshake(metrics.LinkClient, ReasonNotAuthenticated, res.Reason)
			return
		}
		s.log.Info("accepting unauthenticated login", "name", id.DisplayName)
	}

	skin, err := crypto.VerifySkin(l.Skin, res.Trust, id.PublicKey)
	if err != nil {
		s.failHandshake(metrics.LinkClient, "Invalid skin data", err)
		return
	}

	salt, err := s.env.provider.NewSalt()
	if err != nil {
		s.failHandshake(metrics.LinkClient, ReasonInternal, err)
		return
	}
	cipher, err := s.env.provider.Begin(id.PublicKey, salt)
	if err != nil {
		s.failHandshake(metrics.LinkClient, "Invalid identity key", err)
		return
	}
	token, err := s.env.provider.ForgeHandshake(salt)
	if err != nil {
		s.failHandshake(metrics.LinkClient, ReasonInternal, err)
		return
	}
	s.selfCheck(token)

	s.identity.Store(id)
	s.skin = skin
	s.protocolVersion = l.Protocol
	s.log = s.log.With("name", id.DisplayName)

	if err := s.sendClient(&packet.ServerHandshake{Token: token}); err != nil {
		s.failHandshake(metrics.LinkClient, ReasonClientClosed, err)
		return
	}
	// the acknowledgement already comes encrypted
	s.clientCodec.ArmDecrypt(cipher.Decrypt)
	s.clientCipher = cipher
	s.clientState.Store(int32(LinkKeyExchangeSent))

	s.log.Info("client login accepted",
		"uuid", id.ID,
		"xuid", id.XUID,
		"authenticated", id.Authenticated,
		"protocol", l.Protocol,
	)

	s.recordLogin(id)
	s.dumpClientKey(id)
	s.connectBackend()
}

// selfCheck verifies a freshly forged handshake token like a client would.
func (s *Session) selfCheck(token string) {
	if !s.log.Enabled(s.ctx, slog.LevelDebug) {
		return
	}
	remote, _, err := crypto.VerifyHandshake(token)
	if err != nil {
		s.log.Debug("own handshake token does not verify", "err", err)
		return
	}
	s.log.Debug("own handshake token verified", "matches_key", remote.Equal(s.env.provider.PublicKey()))
}

func (s *Session) handleClientAck() {
	if s.ClientState() != LinkKeyExchangeSent {
		s.log.Warn("unexpected encryption acknowledgement", "state", s.ClientState())
		return
	}

	s.clientCodec.ArmEncrypt(s.clientCipher.Encrypt)
	s.clientState.Store(int32(LinkEncryptionArmed))
	s.env.metrics.Handshake(metrics.LinkClient, metrics.ResultOK)
	s.log.Debug("client encryption armed")
	s.maybeEstablished()
}

// onBackendConnected logs in to the backend with a chain forged for the
// client's identity.
func (s *Session) onBackendConnected(link transport.Link) {
	s.mu.Lock()
	s.backend = link
	s.mu.Unlock()

	id := s.Identity()
	s.log.Info("connected to backend", "backend", link.RemoteAddr())

	doc, err := s.env.provider.ForgeChain(id, s.env.now())
	if err != nil {
		s.failHandshake(metrics.LinkBackend, ReasonInternal, err)
		return
	}
	skin, err := s.env.provider.ForgeSkin(s.skin)
	if err != nil {
		s.failHandshake(metrics.LinkBackend, ReasonInternal, err)
		return
	}

	version := s.env.cfg.ProtocolVersion
	if version == 0 {
		version = s.protocolVersion
	}

	login := &packet.Login{Protocol: version, Chain: doc, Skin: skin}
	if err := s.sendBackend(link, login); err != nil {
		s.failHandshake(metrics.LinkBackend, ReasonBackendUnreachable, err)
		return
	}
	s.backendState.Store(int32(LinkKeyExchangeSent))
}

// handleServerHandshake answers the backend's begin-encryption challenge.
func (s *Session) handleServerHandshake(hs *packet.ServerHandshake) {
	if s.BackendState() != LinkKeyExchangeSent {
		s.log.Warn("unexpected backend handshake", "state", s.BackendState())
		return
	}

	remote, salt, err := crypto.VerifyHandshake(hs.Token)
	if err != nil {
		s.failHandshake(metrics.LinkBackend, "Backend handshake failed", err)
		return
	}
	cipher, err := s.env.provider.Begin(remote, salt)
	if err != nil {
		s.failHandshake(metrics.LinkBackend, "Backend handshake failed", err)
		return
	}

	s.backendCodec.ArmDecrypt(cipher.Decrypt)
	s.backendCodec.ArmEncrypt(cipher.Encrypt)
	s.backendState.Store(int32(LinkEncryptionArmed))

	if err := s.sendBackend(s.backendLink(), &packet.ClientHandshake{}); err != nil {
		s.failHandshake(metrics.LinkBackend, ReasonBackendClosed, err)
		return
	}

	s.env.metrics.Handshake(metrics.LinkBackend, metrics.ResultOK)
	s.log.Debug("backend encryption armed")
	s.maybeEstablished()
}

func (s *Session) maybeEstablished() {
	if s.ClientState() != LinkEncryptionArmed || s.BackendState() != LinkEncryptionArmed {
		return
	}
	if s.state.CompareAndSwap(int32(StateLingering), int32(StateEstablished)) {
		s.log.Info("session established")
	}
}

// recordLogin stores the login in the audit trail without blocking the
// relay loop.
func (s *Session) recordLogin(id *model.Identity) {
	if s.env.recorder == nil {
		return
	}

	rec := model.LoginRecord{
		DisplayName:   id.DisplayName,
		PlayerID:      id.ID,
		XUID:          id.XUID,
		Authenticated: id.Authenticated,
		RemoteAddr:    s.client.RemoteAddr().String(),
		CreatedAt:     s.env.now(),
	}
	log := s.log
	recorder := s.env.recorder
	ctx := context.WithoutCancel(s.ctx)

	go func() {
		ctx, cancel := context.WithTimeout(ctx, recordTimeout)
		defer cancel()
		if _, err := recorder.RecordLogin(ctx, rec); err != nil {
			log.Error("recording login", "err", err)
		}
	}()
}

func (s *Session) dumpClientKey(id *model.Identity) {
	if s.env.cfg.DumpDir == "" {
		return
	}
	encoded, err := crypto.EncodePublicKey(id.PublicKey)
	if err != nil {
		s.log.Warn("encoding client key", "err", err)
		return
	}
	name := fmt.Sprintf("%d_client", s.id)
	if err := dump.WritePublicKey(s.env.cfg.DumpDir, name, encoded); err != nil {
		s.log.Warn("dumping client key", "err", err)
	}
}
