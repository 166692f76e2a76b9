/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package auth wires SASL authentication on the inbound SMTP endpoint to
// pluggable username:password verifiers. The pipeline that accepts a
// message only ever sees the outcome (ConnState.AuthUser) — it does not
// care which mechanism or backend produced it.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/emersion/go-sasl"

	"github.com/courierd/courier/framework/config"
	modconfig "github.com/courierd/courier/framework/config/module"
	"github.com/courierd/courier/framework/log"
	"github.com/courierd/courier/framework/module"
	"github.com/courierd/courier/internal/authz"
)

var (
	ErrUnsupportedMech = errors.New("auth: unsupported SASL mechanism")
	ErrInvalidAuthCred = errors.New("auth: invalid credentials")
)

// SASLAuth wraps sasl.Server construction for the plain-credential
// mechanisms, dispatching actual verification to one or more
// module.PlainAuth providers configured with the "auth" directive.
type SASLAuth struct {
	Log         log.Logger
	OnlyFirstID bool

	AuthMap       module.Table
	AuthNormalize authz.NormalizeFunc

	Plain []module.PlainAuth
}

func (s *SASLAuth) SASLMechanisms() []string {
	if len(s.Plain) == 0 {
		return nil
	}
	return []string{sasl.Plain}
}

func (s *SASLAuth) usernameForAuth(ctx context.Context, saslUsername string) (string, error) {
	if s.AuthNormalize != nil {
		var err error
		saslUsername, err = s.AuthNormalize(saslUsername)
		if err != nil {
			return "", err
		}
	}

	if s.AuthMap == nil {
		return saslUsername, nil
	}

	mapped, ok, err := s.AuthMap.Lookup(ctx, saslUsername)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrInvalidAuthCred
	}

	if saslUsername != mapped {
		s.Log.DebugMsg("using mapped username for authentication", "username", saslUsername, "mapped_username", mapped)
	}

	return mapped, nil
}

func (s *SASLAuth) AuthPlain(username, password string) error {
	if len(s.Plain) == 0 {
		return ErrUnsupportedMech
	}

	var lastErr error
	for _, p := range s.Plain {
		username, err := s.usernameForAuth(context.Background(), username)
		if err != nil {
			return err
		}

		lastErr = p.AuthPlain(username, password)
		if lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("no auth. provider accepted creds, last err: %w", lastErr)
}

// CreateSASL creates the sasl.Server instance for the given mechanism. Only
// PLAIN is implemented; callers should only enable mechanisms returned by
// SASLMechanisms.
func (s *SASLAuth) CreateSASL(mech string, remoteAddr net.Addr, successCb func(identity string) error) sasl.Server {
	if mech != sasl.Plain {
		return failingSASLServ{Err: ErrUnsupportedMech}
	}

	return sasl.NewPlainServer(func(identity, username, password string) error {
		if identity == "" {
			identity = username
		}
		if identity != username {
			return ErrInvalidAuthCred
		}

		username, err := s.usernameForAuth(context.Background(), username)
		if err != nil {
			return err
		}

		if err := s.AuthPlain(username, password); err != nil {
			s.Log.Error("authentication failed", err, "username", username, "src_ip", remoteAddr)
			return ErrInvalidAuthCred
		}

		return successCb(identity)
	})
}

// AddProvider registers a SASL authentication provider referenced by the
// 'auth' configuration directive.
func (s *SASLAuth) AddProvider(m *config.Map, node config.Node) error {
	var any interface{}
	if err := modconfig.ModuleFromNode("auth", node.Args, node, m.Globals, &any); err != nil {
		return err
	}

	plainAuth, ok := any.(module.PlainAuth)
	if !ok {
		return config.NodeErr(node, "auth: specified module does not provide any SASL mechanism")
	}
	s.Plain = append(s.Plain, plainAuth)
	return nil
}

type failingSASLServ struct{ Err error }

func (s failingSASLServ) Next([]byte) ([]byte, bool, error) {
	return nil, true, s.Err
}
