// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Bluheir/cacophoney-lib/crypto"
	"github.com/Bluheir/cacophoney-lib/message"
	"github.com/Bluheir/cacophoney-lib/node"
)

var dialTimeout time.Duration

var dialCmd = &cobra.Command{
	Use:   "dial <addr>",
	Short: "Connect to a rendezvous node, identify with the configured key, and exit",
	Args:  cobra.ExactArgs(1),
	RunE:  runDial,
}

func init() {
	dialCmd.Flags().DurationVar(&dialTimeout, "timeout", 10*time.Second, "overall deadline for the dial+identify exchange")
	rootCmd.AddCommand(dialCmd)
}

func runDial(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	privKey, err := cfg.Node.PrivateKey()
	if err != nil {
		return fmt.Errorf("node private key: %w", err)
	}

	log := newLogger(cfg.Logging)

	endpoint, err := buildEndpoint(cfg.Node)
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}
	n := node.NewOutboundOnlyNode(endpoint, log)

	ctx, cancel := context.WithTimeout(cmd.Context(), dialTimeout)
	defer cancel()

	target, err := resolveAddr(args[0])
	if err != nil {
		return fmt.Errorf("resolve address %q: %w", args[0], err)
	}

	conn, err := n.Connect(ctx, cfg.Node.Domain, target)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	startResp, err := conn.Request(ctx, message.NewStartIdentifyReq(message.StartIdentifyReq{}))
	if err != nil {
		return fmt.Errorf("start identify: %w", err)
	}
	challengeResp, err := startResp.AsStartIdentify()
	if err != nil {
		return fmt.Errorf("unexpected start-identify response: %w", err)
	}

	triad, err := signChallenge(privKey, message.IdentifyData{
		Salt:       challengeResp.Salt,
		StartTime:  challengeResp.StartTime,
		ExpireTime: challengeResp.ExpireTime,
	})
	if err != nil {
		return fmt.Errorf("sign challenge: %w", err)
	}

	identifyResp, err := conn.Request(ctx, message.NewIdentifyReq(message.IdentifyReq{Triad: triad}))
	if err != nil {
		return fmt.Errorf("identify: %w", err)
	}
	if _, err := identifyResp.AsIdentify(); err != nil {
		if errResp, ok := identifyResp.AsError(); ok {
			return fmt.Errorf("identify rejected: %s: %s", errResp.Kind, errResp.Message)
		}
		return fmt.Errorf("identify: %w", err)
	}

	fmt.Printf("identified as %s against %s\n", privKey.DerivePublic().String(), target.String())
	return nil
}

// signChallenge builds the IDENTIFY-tagged signable payload and signs its
// exact wire bytes, mirroring what InboundEndpoint.Identify verifies.
func signChallenge(key crypto.PrivateKey, challenge message.IdentifyData) (crypto.KeyTriad[message.SignedData], error) {
	signable := message.Signable[message.IdentifyData]{
		MsgType: message.SignMessageTypeIdentify,
		Obj:     challenge,
	}
	raw, err := json.Marshal(signable)
	if err != nil {
		return crypto.KeyTriad[message.SignedData]{}, err
	}
	signed := message.JSONSigned(string(raw))

	sig, err := key.Sign(signed.Bytes())
	if err != nil {
		return crypto.KeyTriad[message.SignedData]{}, err
	}

	return crypto.KeyTriad[message.SignedData]{
		PublicKey: key.DerivePublic(),
		Signature: sig,
		Signed:    signed,
	}, nil
}
