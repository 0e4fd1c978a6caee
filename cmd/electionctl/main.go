// Command electionctl is the offline key holder's tool: it generates election
// keys off the server, tallies sealed ballots after the election and performs
// receipt and anchoring maintenance against the shared store.
package main

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/urfave/cli"

	"ballot-core/blockchain/anchor"
	"ballot-core/config"
	"ballot-core/encryption"
	"ballot-core/logging"
	"ballot-core/service"
	"ballot-core/storage"
)

const backfillDescription = `Run only while the API server is stopped. Both processes append to the
   snapshots under anchoring.chain_dir and there is no cross-process lock.`

func main() {
	app := cli.NewApp()
	app.Name = "electionctl"
	app.Usage = "offline key and tally tooling for election operators"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: "path to the YAML configuration file",
		},
		cli.StringFlag{
			Name:  "env",
			Value: ".env",
			Usage: "optional .env file with BALLOT_* overrides",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:      "keygen",
			Usage:     "generate an election key pair and seal the private key to a file",
			ArgsUsage: "<election-id>",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "size", Value: encryption.KeySize2048, Usage: "modulus size, 2048 or 4096"},
				cli.StringFlag{Name: "out", Usage: "file for the passphrase-sealed private key"},
				cli.StringFlag{Name: "passphrase", EnvVar: "BALLOT_KEY_PASSPHRASE", Usage: "passphrase protecting the private key file"},
				cli.BoolFlag{Name: "register", Usage: "store the public key for the election"},
			},
			Action: actionKeygen,
		},
		{
			Name:      "fingerprint",
			Usage:     "print the SHA-256 fingerprint of a public key PEM file",
			ArgsUsage: "<public-key.pem>",
			Action:    actionFingerprint,
		},
		{
			Name:      "tally",
			Usage:     "open and count the sealed ballots of an election",
			ArgsUsage: "<election-id>",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "key", Usage: "sealed private key file written by keygen"},
				cli.StringFlag{Name: "passphrase", EnvVar: "BALLOT_KEY_PASSPHRASE", Usage: "passphrase for --key"},
			},
			Action: actionTally,
		},
		{
			Name:      "verify",
			Usage:     "look up a receipt hash",
			ArgsUsage: "<receipt-hash>",
			Action:    actionVerify,
		},
		{
			Name:        "anchor-backfill",
			Usage:       "anchor receipts that have no chain reference yet",
			Description: backfillDescription,
			Flags: []cli.Flag{
				cli.IntFlag{Name: "limit", Value: 500, Usage: "maximum receipts to anchor"},
			},
			Action: actionAnchorBackfill,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "electionctl: %v\n", err)
		os.Exit(1)
	}
}

// env carries what a subcommand needs from the configuration.
type env struct {
	cfg    *config.Config
	log    zerolog.Logger
	hasher *encryption.HashingService
	keys   *encryption.KeyPairManager
	store  storage.Store
}

func loadEnv(c *cli.Context, withStore bool) (*env, error) {
	if err := config.LoadEnvFile(c.GlobalString("env")); err != nil {
		return nil, err
	}
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log.Level, true, os.Stderr)
	if err != nil {
		return nil, err
	}

	hasher := encryption.NewHashingServiceWithIterations(cfg.Keys.PBKDF2Iterations)
	e := &env{
		cfg:    cfg,
		log:    log,
		hasher: hasher,
		keys:   encryption.NewKeyPairManager(hasher),
	}
	if withStore {
		e.store, err = storage.Open(cfg.Storage.Driver, cfg.Storage.DSN, cfg.Storage.Dir, log)
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *env) Close() {
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.log.Warn().Err(err).Msg("failed to close store")
		}
	}
}

func (e *env) keyStore() (*service.ElectionKeyStore, error) {
	policy := service.PrivateKeyPolicy{Persist: e.cfg.Keys.PersistPrivateKey}
	if policy.Persist {
		policy.AtRestSecret = []byte(e.cfg.Keys.AtRestSecret)
	}
	return service.NewElectionKeyStore(e.store, e.keys, e.hasher, policy, nil, e.log)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type keygenOutput struct {
	ElectionID  string `json:"electionId"`
	PublicKey   string `json:"publicKey"`
	Fingerprint string `json:"fingerprint"`
	KeyFile     string `json:"keyFile"`
	Registered  bool   `json:"registered"`
}

func actionKeygen(c *cli.Context) error {
	electionID := c.Args().First()
	if electionID == "" {
		return cli.NewExitError("an election id is required", 2)
	}
	out := c.String("out")
	if out == "" {
		out = electionID + ".key.json"
	}

	register := c.Bool("register")
	e, err := loadEnv(c, register)
	if err != nil {
		return err
	}
	defer e.Close()

	pair, err := e.keys.Generate(c.Int("size"))
	if err != nil {
		return err
	}
	if err := writeSealedKey(e.hasher, out, pair.PrivateKeyPEM, c.String("passphrase")); err != nil {
		return err
	}

	result := keygenOutput{
		ElectionID:  electionID,
		PublicKey:   pair.PublicKeyPEM,
		Fingerprint: pair.Fingerprint,
		KeyFile:     out,
	}
	if register {
		keyStore, err := e.keyStore()
		if err != nil {
			return err
		}
		if _, err := keyStore.CreateForElection(context.Background(), electionID, pair.PublicKeyPEM, pair.Fingerprint, nil); err != nil {
			return fmt.Errorf("key file %s written but registration failed: %w", out, err)
		}
		result.Registered = true
	}
	return printJSON(c.App.Writer, result)
}

func actionFingerprint(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.NewExitError("a public key file is required", 2)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	fp, err := encryption.NewKeyPairManager(nil).FingerprintPEM(string(data))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.App.Writer, fp)
	return err
}

func actionTally(c *cli.Context) error {
	electionID := c.Args().First()
	if electionID == "" {
		return cli.NewExitError("an election id is required", 2)
	}

	e, err := loadEnv(c, true)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := context.Background()
	var privateKey *rsa.PrivateKey
	if path := c.String("key"); path != "" {
		privateKey, err = readSealedKey(e.hasher, path, c.String("passphrase"))
	} else {
		// Without --key only a server-held key can be used.
		var keyStore *service.ElectionKeyStore
		keyStore, err = e.keyStore()
		if err == nil {
			privateKey, err = keyStore.PrivateKey(ctx, electionID)
		}
	}
	if err != nil {
		return err
	}

	result, err := service.NewTally(e.store, e.keys, nil, e.log).Count(ctx, electionID, privateKey)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, result)
}

func actionVerify(c *cli.Context) error {
	hash := strings.TrimSpace(c.Args().First())
	if hash == "" {
		return cli.NewExitError("a receipt hash is required", 2)
	}

	e, err := loadEnv(c, true)
	if err != nil {
		return err
	}
	defer e.Close()

	v, err := service.NewReceiptService(e.store, e.hasher, e.log).Verify(context.Background(), hash)
	if err != nil {
		return err
	}
	if err := printJSON(c.App.Writer, v); err != nil {
		return err
	}
	if !v.Found {
		return cli.NewExitError("", 3)
	}
	return nil
}

func actionAnchorBackfill(c *cli.Context) error {
	e, err := loadEnv(c, true)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := os.MkdirAll(filepath.Dir(e.cfg.Anchoring.SignerKeyPath), 0o700); err != nil {
		return err
	}
	signer, err := encryption.LoadOrCreateAnchorSigner(e.cfg.Anchoring.SignerKeyPath)
	if err != nil {
		return err
	}
	chainStorage, err := storage.NewChainStorage(e.cfg.Anchoring.ChainDir, e.cfg.Anchoring.KeepSnapshots, e.log)
	if err != nil {
		return err
	}
	chain, err := anchor.New(signer, chainStorage, e.cfg.Anchoring.Difficulty, e.log)
	if err != nil {
		return err
	}

	dispatcher := service.NewAnchorDispatcher(chain, e.store, 1, e.cfg.Anchoring.Timeout, nil, e.log)
	anchored, backfillErr := dispatcher.Backfill(context.Background(), c.Int("limit"))

	if err := printJSON(c.App.Writer, map[string]interface{}{
		"anchored":    anchored,
		"chainLength": chain.Len(),
	}); err != nil {
		return err
	}
	if backfillErr != nil {
		return fmt.Errorf("some receipts were not anchored: %w", backfillErr)
	}
	if err := chain.Verify(); err != nil {
		return fmt.Errorf("anchor chain failed verification after backfill: %w", err)
	}
	return nil
}
