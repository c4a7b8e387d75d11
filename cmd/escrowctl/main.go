package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"blockbatch/cmd/internal/passphrase"
	"blockbatch/crypto"
	"blockbatch/rpc"
)

const (
	defaultServer   = "http://127.0.0.1:8080"
	defaultKeystore = "escrow.keystore"
	defaultPassEnv  = "ESCROW_KEYSTORE_PASS"
)

// passphraseSource is swapped in tests.
var passphraseSource = func(envVar string, confirm bool) interface{ Get() (string, error) } {
	if confirm {
		return passphrase.NewConfirmedSource(envVar)
	}
	return passphrase.NewSource(envVar)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	commands := map[string]func([]string, io.Writer, io.Writer) int{
		"keygen":        runKeygen,
		"address":       runAddress,
		"init":          runInit,
		"deposit":       runDeposit,
		"add-condition": runAddCondition,
		"verify":        runVerify,
		"release":       runRelease,
		"refund":        runRefund,
		"dispute":       runDispute,
		"resolve":       runResolve,
		"get":           runGet,
		"status":        runStatus,
		"balance":       runBalance,
		"events":        runEvents,
		"export":        runExport,
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
	return cmd(args[1:], stdout, stderr)
}

func usage() string {
	return strings.Join([]string{
		"Usage: escrowctl <command> [flags]",
		"",
		"Commands:",
		"  keygen         generate a signing key into a keystore",
		"  address        print the address recorded in a keystore",
		"  init           create an escrow (signed by the admin)",
		"  deposit        fund an escrow (signed by the depositor)",
		"  add-condition  register a release condition (signed by the arbitrator)",
		"  verify         mark a condition fulfilled (signed by the arbitrator)",
		"  release        pay the beneficiary (signed by the arbitrator)",
		"  refund         refund the depositor after the timeout (signed by the arbitrator)",
		"  dispute        open a dispute (signed by the depositor or beneficiary)",
		"  resolve        settle a dispute (signed by the arbitrator)",
		"  get            show an escrow record",
		"  status         show an escrow status",
		"  balance        show a ledger balance",
		"  events         list the audit history of an escrow (operator token)",
		"  export         export the audit log as csv or parquet (operator token)",
	}, "\n")
}

type commonFlags struct {
	server   string
	keystore string
	passEnv  string
	token    string
}

func newFlagSet(name string, stderr io.Writer, signed, operator bool) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := &commonFlags{}
	server := os.Getenv("ESCROW_SERVER")
	if server == "" {
		server = defaultServer
	}
	fs.StringVar(&common.server, "server", server, "escrowd base URL")
	if signed {
		fs.StringVar(&common.keystore, "keystore", defaultKeystore, "path to the signing keystore")
		fs.StringVar(&common.passEnv, "pass-env", defaultPassEnv, "environment variable holding the keystore passphrase")
	}
	if operator {
		fs.StringVar(&common.token, "token", os.Getenv("ESCROW_OPERATOR_TOKEN"), "operator bearer token")
	}
	return fs, common
}

func (c *commonFlags) client() (*client, error) {
	if c.keystore == "" {
		return newClient(c.server, nil, c.token), nil
	}
	pass, err := passphraseSource(c.passEnv, false).Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(c.keystore, pass)
	if err != nil {
		return nil, fmt.Errorf("load keystore: %w", err)
	}
	return newClient(c.server, key, c.token), nil
}

func printError(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func printJSON(stdout io.Writer, raw []byte) int {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		stdout.Write(raw)
		return 0
	}
	fmt.Fprintln(stdout, out.String())
	return 0
}

func parseFlags(fs *flag.FlagSet, args []string, stderr io.Writer) bool {
	if err := fs.Parse(args); err != nil {
		return false
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return false
	}
	return true
}

func requireFlags(values map[string]string) error {
	for name, value := range values {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("--%s is required", name)
		}
	}
	return nil
}

func escrowPath(id string, suffix string) (string, error) {
	parsed, err := rpc.ParseEscrowID(id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/v1/escrows/%x%s", parsed, suffix), nil
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	keystorePath := fs.String("keystore", defaultKeystore, "output keystore path")
	passEnv := fs.String("pass-env", defaultPassEnv, "environment variable holding the keystore passphrase")
	force := fs.Bool("force", false, "overwrite an existing keystore")
	light := fs.Bool("light", false, "use cheap scrypt parameters (development only)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if _, err := os.Stat(*keystorePath); err == nil && !*force {
		return printError(stderr, fmt.Errorf("keystore %s already exists; use --force to overwrite", *keystorePath))
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return printError(stderr, err)
	}
	pass, err := passphraseSource(*passEnv, true).Get()
	if err != nil {
		return printError(stderr, err)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, err)
	}
	params := crypto.StandardScrypt
	if *light {
		params = crypto.LightScrypt
	}
	if err := crypto.SaveToKeystore(*keystorePath, key, pass, params); err != nil {
		return printError(stderr, err)
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func runAddress(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	fs.SetOutput(stderr)
	keystorePath := fs.String("keystore", defaultKeystore, "keystore path")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	addr, err := crypto.KeystoreAddress(*keystorePath)
	if err != nil {
		return printError(stderr, err)
	}
	fmt.Fprintln(stdout, addr.String())
	return 0
}

func runInit(args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("init", stderr, true, false)
	var req rpc.InitializeRequest
	fs.StringVar(&req.Admin, "admin", "", "admin address (defaults to the signer)")
	fs.StringVar(&req.Depositor, "depositor", "", "depositor address")
	fs.StringVar(&req.Beneficiary, "beneficiary", "", "beneficiary address")
	fs.StringVar(&req.Arbitrator, "arbitrator", "", "arbitrator address")
	fs.StringVar(&req.Custody, "custody", "", "custody account address")
	fs.StringVar(&req.Token, "token", "", "ledger token identifier")
	fs.StringVar(&req.Symbol, "symbol", "", "display symbol (defaults to the token)")
	decimals := fs.Uint("decimals", 0, "display decimals")
	fs.StringVar(&req.Amount, "amount", "", "escrowed amount in base units")
	timeout := fs.Uint("timeout-ledgers", 0, "ledgers until the depositor may be refunded")
	fs.StringVar(&req.Salt, "salt", "", "32-byte hex salt (random when empty)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := requireFlags(map[string]string{
		"depositor": req.Depositor, "beneficiary": req.Beneficiary, "arbitrator": req.Arbitrator,
		"custody": req.Custody, "token": req.Token, "amount": req.Amount,
	}); err != nil {
		return printError(stderr, err)
	}
	if req.Symbol == "" {
		req.Symbol = strings.ToUpper(req.Token)
	}
	req.Decimals = uint32(*decimals)
	req.TimeoutLedgers = uint32(*timeout)
	return signedCall(common, stdout, stderr, "/v1/escrows", req)
}

func runDeposit(args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("deposit", stderr, true, false)
	id := fs.String("id", "", "escrow identifier")
	amount := fs.String("amount", "", "amount in base units")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := requireFlags(map[string]string{"id": *id, "amount": *amount}); err != nil {
		return printError(stderr, err)
	}
	return escrowCall(common, stdout, stderr, *id, "/deposit", rpc.DepositRequest{Amount: *amount})
}

func runAddCondition(args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("add-condition", stderr, true, false)
	id := fs.String("id", "", "escrow identifier")
	var req rpc.ConditionRequest
	fs.StringVar(&req.Kind, "kind", "manual_verification", "time_based, manual_verification, external_oracle or multi_sig")
	fs.StringVar(&req.Description, "description", "", "human readable condition")
	fs.StringVar(&req.VerificationMethod, "method", "", "optional verification method")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := requireFlags(map[string]string{"id": *id, "description": req.Description}); err != nil {
		return printError(stderr, err)
	}
	return escrowCall(common, stdout, stderr, *id, "/conditions", req)
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("verify", stderr, true, false)
	id := fs.String("id", "", "escrow identifier")
	index := fs.Uint("index", 0, "condition index")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := requireFlags(map[string]string{"id": *id}); err != nil {
		return printError(stderr, err)
	}
	return escrowCall(common, stdout, stderr, *id, fmt.Sprintf("/conditions/%d/verify", *index), nil)
}

func runRelease(args []string, stdout, stderr io.Writer) int {
	return runBareAction("release", args, stdout, stderr)
}

func runRefund(args []string, stdout, stderr io.Writer) int {
	return runBareAction("refund", args, stdout, stderr)
}

func runBareAction(action string, args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet(action, stderr, true, false)
	id := fs.String("id", "", "escrow identifier")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := requireFlags(map[string]string{"id": *id}); err != nil {
		return printError(stderr, err)
	}
	return escrowCall(common, stdout, stderr, *id, "/"+action, nil)
}

func runDispute(args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("dispute", stderr, true, false)
	id := fs.String("id", "", "escrow identifier")
	reason := fs.String("reason", "", "dispute reason")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := requireFlags(map[string]string{"id": *id}); err != nil {
		return printError(stderr, err)
	}
	return escrowCall(common, stdout, stderr, *id, "/dispute", rpc.DisputeRequest{Reason: *reason})
}

func runResolve(args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("resolve", stderr, true, false)
	id := fs.String("id", "", "escrow identifier")
	var req rpc.ResolveRequest
	fs.StringVar(&req.Outcome, "outcome", "", "release_to_beneficiary, refund_to_depositor or partial_release")
	bps := fs.Uint("bps", 0, "beneficiary share in basis points for partial_release")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := requireFlags(map[string]string{"id": *id, "outcome": req.Outcome}); err != nil {
		return printError(stderr, err)
	}
	if *bps > 10_000 {
		return printError(stderr, errors.New("--bps must be <= 10000"))
	}
	req.BasisPoints = uint32(*bps)
	return escrowCall(common, stdout, stderr, *id, "/resolve", req)
}

func runGet(args []string, stdout, stderr io.Writer) int {
	return runQuery("get", "", args, stdout, stderr)
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	return runQuery("status", "/status", args, stdout, stderr)
}

func runQuery(name, suffix string, args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet(name, stderr, false, false)
	id := fs.String("id", "", "escrow identifier")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	path, err := escrowPath(*id, suffix)
	if err != nil {
		return printError(stderr, err)
	}
	return getCall(common, stdout, stderr, path)
}

func runBalance(args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("balance", stderr, false, false)
	address := fs.String("address", "", "account address")
	token := fs.String("token", "", "ledger token identifier")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := requireFlags(map[string]string{"address": *address, "token": *token}); err != nil {
		return printError(stderr, err)
	}
	if _, err := crypto.ParseAddress(*address); err != nil {
		return printError(stderr, err)
	}
	path := fmt.Sprintf("/v1/accounts/%s/balances/%s", url.PathEscape(*address), url.PathEscape(*token))
	return getCall(common, stdout, stderr, path)
}

func runEvents(args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("events", stderr, false, true)
	id := fs.String("id", "", "escrow identifier")
	after := fs.Uint64("after", 0, "only events after this sequence")
	limit := fs.Int("limit", 0, "maximum number of events")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	path, err := escrowPath(*id, "/events")
	if err != nil {
		return printError(stderr, err)
	}
	query := url.Values{}
	if *after > 0 {
		query.Set("after", fmt.Sprint(*after))
	}
	if *limit > 0 {
		query.Set("limit", fmt.Sprint(*limit))
	}
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	return getCall(common, stdout, stderr, path)
}

func runExport(args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("export", stderr, false, true)
	format := fs.String("format", "csv", "csv or parquet")
	id := fs.String("id", "", "optional escrow identifier")
	out := fs.String("out", "", "output file (stdout when empty)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	query := url.Values{"format": {*format}}
	if *id != "" {
		query.Set("escrow", *id)
	}
	raw, err := newClient(common.server, nil, common.token).call(http.MethodGet, "/v1/audit/export?"+query.Encode(), nil)
	if err != nil {
		return printError(stderr, err)
	}
	if *out == "" {
		stdout.Write(raw)
		return 0
	}
	if err := os.WriteFile(*out, raw, 0o644); err != nil {
		return printError(stderr, err)
	}
	fmt.Fprintf(stdout, "wrote %d bytes to %s\n", len(raw), *out)
	return 0
}

func escrowCall(common *commonFlags, stdout, stderr io.Writer, id, suffix string, payload interface{}) int {
	path, err := escrowPath(id, suffix)
	if err != nil {
		return printError(stderr, err)
	}
	return signedCall(common, stdout, stderr, path, payload)
}

func signedCall(common *commonFlags, stdout, stderr io.Writer, path string, payload interface{}) int {
	c, err := common.client()
	if err != nil {
		return printError(stderr, err)
	}
	raw, err := c.call(http.MethodPost, path, payload)
	if err != nil {
		return printError(stderr, err)
	}
	return printJSON(stdout, raw)
}

func getCall(common *commonFlags, stdout, stderr io.Writer, path string) int {
	raw, err := newClient(common.server, nil, common.token).call(http.MethodGet, path, nil)
	if err != nil {
		return printError(stderr, err)
	}
	return printJSON(stdout, raw)
}
