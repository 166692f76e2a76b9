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

package rewrite

import (
	"bytes"
	"context"
	"net"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-milter"

	"github.com/courierd/courier/framework/exterrors"
	"github.com/courierd/courier/framework/module"
)

// MilterLeg drives a milter application directly (rather than through
// check.milter.Check's CheckState, which only ever sees module.CheckResult
// and so has nowhere to put a replaced body) so ActReplaceBody reaches the
// bus as a Modification.ReplaceBody.
type MilterLeg struct {
	cl *milter.Client
}

// NewMilterLeg dials network/addr (as returned by config.ParseEndpoint) and
// requests the action mask the bus needs: header/body modification plus
// quarantine, matching check.milter's mask with OptChangeBody added.
func NewMilterLeg(network, addr string) *MilterLeg {
	return &MilterLeg{
		cl: milter.NewClientWithOptions(network, addr, milter.ClientOptions{
			Dialer:       &net.Dialer{Timeout: 10 * time.Second},
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			ActionMask:   milter.OptAddHeader | milter.OptQuarantine | milter.OptChangeBody,
			ProtocolMask: 0,
		}),
	}
}

func (l *MilterLeg) Invoke(ctx context.Context, msgMeta *module.MsgMetadata, header textproto.Header, body []byte) (Modification, error) {
	sess, err := l.cl.Session()
	if err != nil {
		return Modification{}, err
	}
	defer sess.Close()

	hostname := "unknown"
	addr := "127.0.0.1"
	family := milter.FamilyInet
	if msgMeta.Conn != nil {
		hostname = msgMeta.Conn.Hostname
		if tcpAddr, ok := msgMeta.Conn.RemoteAddr.(*net.TCPAddr); ok {
			addr = tcpAddr.IP.String()
			if tcpAddr.IP.To4() == nil {
				family = milter.FamilyInet6
			}
		}
	}

	if act, err := sess.Conn(hostname, family, 25, addr); err != nil {
		return Modification{}, err
	} else if act.Code != milter.ActContinue {
		return modificationFromAction(act), nil
	}
	if act, err := sess.Helo(hostname); err != nil {
		return Modification{}, err
	} else if act.Code != milter.ActContinue {
		return modificationFromAction(act), nil
	}
	if act, err := sess.Mail(msgMeta.OriginalFrom, nil); err != nil {
		return Modification{}, err
	} else if act.Code != milter.ActContinue {
		return modificationFromAction(act), nil
	}
	for rcpt := range msgMeta.OriginalRcpts {
		if act, err := sess.Rcpt(rcpt, nil); err != nil {
			return Modification{}, err
		} else if act.Code != milter.ActContinue {
			return modificationFromAction(act), nil
		}
	}

	act, err := sess.Header(header)
	if err != nil {
		return Modification{}, err
	}
	if act.Code != milter.ActContinue {
		return modificationFromAction(act), nil
	}

	modifyActs, act, err := sess.BodyReadFrom(bytes.NewReader(body))
	if err != nil {
		return Modification{}, err
	}

	mod := modificationFromAction(act)
	for _, a := range modifyActs {
		switch a.Code {
		case milter.ActAddHeader, milter.ActInsertHeader:
			mod.AddHeader = append(mod.AddHeader, HeaderAddition{Name: a.HeaderName, Value: a.HeaderValue})
		case milter.ActReplaceBody:
			mod.ReplaceBody = append(mod.ReplaceBody, a.Body...)
		case milter.ActQuarantine:
			mod.Quarantine = true
		}
	}
	return mod, nil
}

func modificationFromAction(act *milter.Action) Modification {
	switch act.Code {
	case milter.ActContinue, milter.ActAccept:
		return Modification{}
	case milter.ActReject, milter.ActTempFail, milter.ActDiscard:
		code := 550
		enh := exterrors.EnhancedCode{5, 7, 1}
		if act.Code == milter.ActTempFail {
			code, enh = 450, exterrors.EnhancedCode{4, 7, 1}
		}
		return Modification{Reject: &exterrors.SMTPError{
			Code:         code,
			EnhancedCode: enh,
			Message:      "Message rejected due to local policy",
			CheckName:    "rewrite/milter",
		}}
	case milter.ActReplyCode:
		return Modification{Reject: &exterrors.SMTPError{
			Code:         act.SMTPCode,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
			Message:      "Message rejected due to local policy",
			CheckName:    "rewrite/milter",
		}}
	default:
		return Modification{}
	}
}

func (l *MilterLeg) Close() error {
	return nil
}
