// The fedadmin binary is the operator CLI for the federation registry:
// authority material management, credential issuance and verification,
// trusted root administration and peer discovery.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/fedlab/registry-backend/cmd/flags"
	"github.com/fedlab/registry-backend/credential"
	"github.com/fedlab/registry-backend/gid"
	"github.com/fedlab/registry-backend/hierarchy"
	"github.com/fedlab/registry-backend/interfaces"
	"github.com/fedlab/registry-backend/keystore"
	"github.com/fedlab/registry-backend/naming"
	"github.com/fedlab/registry-backend/peerresolver"
	"github.com/fedlab/registry-backend/rights"
)

var hrnFlag = &cli.StringFlag{
	Name:     "hrn",
	Required: true,
	Usage:    "authority HRN",
}

func main() {
	app := &cli.App{
		Name:  "fedadmin",
		Usage: "Administer the federation registry",
		Flags: append([]cli.Flag{flags.KeyStoreFlag}, flags.CommonFlags...),
		Commands: []*cli.Command{
			{
				Name:   "ensure-authority",
				Usage:  "Create signing material for an authority (and its ancestors) if absent",
				Flags:  []cli.Flag{hrnFlag},
				Action: runEnsureAuthority,
			},
			{
				Name:  "issue-credential",
				Usage: "Issue a credential signed by an authority",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "authority", Required: true, Usage: "HRN of the signing authority"},
					&cli.StringFlag{Name: "object-gid", Required: true, Usage: "path to the object GID PEM bundle"},
					&cli.StringFlag{Name: "caller-gid", Required: true, Usage: "path to the caller GID PEM bundle"},
					&cli.StringFlag{Name: "rights", Required: true, Usage: "comma-separated rights to grant"},
					&cli.DurationFlag{Name: "expires-in", Value: 24 * time.Hour, Usage: "credential validity"},
				},
				Action: runIssueCredential,
			},
			{
				Name:  "verify-credential",
				Usage: "Verify an encoded credential against the trusted roots",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "credential", Required: true, Usage: "path to the encoded credential"},
					&cli.StringFlag{Name: "operation", Usage: "operation to authorize"},
					&cli.StringFlag{Name: "target", Usage: "target HRN"},
				},
				Action: runVerifyCredential,
			},
			{
				Name:  "add-trusted-root",
				Usage: "Add a federation peer's root GID to the trusted set",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "gid", Required: true, Usage: "path to the peer root GID PEM bundle"},
				},
				Action: runAddTrustedRoot,
			},
			{
				Name:  "peers",
				Usage: "Discover a federation's registry endpoints via DNS SRV",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "domain", Required: true, Usage: "federation DNS domain"},
					&cli.StringFlag{Name: "dns", Usage: "DNS server address, host:port"},
				},
				Action: runPeers,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func openHierarchy(cCtx *cli.Context) (*hierarchy.Hierarchy, error) {
	logger := flags.SetupLogger(cCtx, "fedadmin")
	keys, err := keystore.NewFactory(logger).StoreFor(cCtx.String(flags.KeyStoreFlag.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to open key store: %w", err)
	}
	return hierarchy.New(keys, logger), nil
}

func runEnsureAuthority(cCtx *cli.Context) error {
	hrn, err := naming.ParseHRN(cCtx.String(hrnFlag.Name))
	if err != nil {
		return err
	}

	hier, err := openHierarchy(cCtx)
	if err != nil {
		return err
	}

	info, err := hier.Ensure(context.Background(), hrn)
	if err != nil {
		return err
	}
	os.Stdout.Write(info.GID.Encode())
	return nil
}

func runIssueCredential(cCtx *cli.Context) error {
	authority, err := naming.ParseHRN(cCtx.String("authority"))
	if err != nil {
		return err
	}
	object, err := readGID(cCtx.String("object-gid"))
	if err != nil {
		return err
	}
	caller, err := readGID(cCtx.String("caller-gid"))
	if err != nil {
		return err
	}

	hier, err := openHierarchy(cCtx)
	if err != nil {
		return err
	}
	info, err := hier.Get(context.Background(), authority)
	if err != nil {
		return err
	}

	cred := &credential.Credential{
		Object:  object,
		Caller:  caller,
		Rights:  rights.ParseSet(cCtx.String("rights")),
		Expires: time.Now().Add(cCtx.Duration("expires-in")),
	}
	if err := credential.Sign(cred, info.Key, info.GID); err != nil {
		return err
	}

	enc, err := cred.Encode()
	if err != nil {
		return err
	}
	fmt.Println(enc)
	return nil
}

func runVerifyCredential(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx, "fedadmin")

	data, err := os.ReadFile(cCtx.String("credential"))
	if err != nil {
		return err
	}

	var target naming.HRN
	if raw := cCtx.String("target"); raw != "" {
		target, err = naming.ParseHRN(raw)
		if err != nil {
			return err
		}
	}

	keys, err := keystore.NewFactory(logger).StoreFor(cCtx.String(flags.KeyStoreFlag.Name))
	if err != nil {
		return err
	}
	pool, err := keystore.LoadTrustPool(context.Background(), keys, logger)
	if err != nil {
		return err
	}

	cred, err := credential.Decode(string(data))
	if err != nil {
		return err
	}

	verifier := credential.NewVerifier(pool, logger)
	if err := verifier.Verify(cred, cCtx.String("operation"), target, credential.CheckOptions{}); err != nil {
		return err
	}

	fmt.Printf("accepted: %s holds [%s] over %s until %s\n",
		cred.Caller.HRN(), cred.Rights, cred.Object.HRN(), cred.Expires.Format(time.RFC3339))
	return nil
}

func runAddTrustedRoot(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx, "fedadmin")

	data, err := os.ReadFile(cCtx.String("gid"))
	if err != nil {
		return err
	}
	root, err := gid.Decode(data)
	if err != nil {
		return err
	}

	keys, err := keystore.NewFactory(logger).StoreFor(cCtx.String(flags.KeyStoreFlag.Name))
	if err != nil {
		return err
	}
	if err := keys.Store(context.Background(), root.HRN(), interfaces.KindTrustedRoot, root.Encode()); err != nil {
		return err
	}

	fmt.Printf("trusted root %s added\n", root.HRN())
	return nil
}

func runPeers(cCtx *cli.Context) error {
	resolver := peerresolver.New()
	if server := cCtx.String("dns"); server != "" {
		resolver.Server = server
	}

	endpoints, err := resolver.Resolve(cCtx.String("domain"))
	if err != nil {
		return err
	}
	for _, ep := range endpoints {
		fmt.Println(ep)
	}
	return nil
}

func readGID(path string) (*gid.GID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return gid.Decode(data)
}
