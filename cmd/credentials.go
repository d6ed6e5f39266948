package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/tidwall/gjson"

	"github.com/compresr/pool-gateway/internal/credential"
	"github.com/compresr/pool-gateway/internal/gateway"
	"github.com/compresr/pool-gateway/internal/pool"
	"github.com/compresr/pool-gateway/internal/utils"
)

// runCredentialsCommand manages stored credentials without a running server.
//
//	credentials list
//	credentials add --refresh-token TOKEN [--email E] [--project P] [--owner U] [--public] [--no-verify]
//	credentials import FILE...
//	credentials verify ID | --all
//	credentials enable ID
//	credentials disable ID
func runCredentialsCommand(args []string) error {
	if len(args) == 0 {
		return errHelp
	}
	sub, rest := args[0], args[1:]
	opts, err := parseFlags(rest)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	ctx := context.Background()
	s, err := openStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(ctx); cerr != nil {
			printWarn(cerr.Error())
		}
	}()

	switch sub {
	case "list", "ls":
		return listCredentials(os.Stdout, s.store.All())
	case "add":
		err = addCredential(ctx, s, opts)
	case "import":
		err = importCredentials(ctx, s, opts)
	case "verify":
		err = verifyCredentials(ctx, s, opts)
	case "enable", "disable":
		err = setCredentialActive(s, opts, sub == "enable")
	default:
		return fmt.Errorf("unknown credentials command %q", sub)
	}
	if err != nil {
		return err
	}
	return s.persister.Flush(ctx)
}

// listCredentials prints one row per credential with tokens masked.
func listCredentials(out io.Writer, recs []credential.Record) error {
	if len(recs) == 0 {
		printInfo("no credentials stored")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLABEL\tEMAIL\tTOKEN\tTIER\tVISIBILITY\tOWNER\tACTIVE\tREQUESTS\tLAST USED\tLAST ERROR")
	for _, rec := range recs {
		lastUsed := "never"
		if !rec.LastUsedAt.IsZero() {
			lastUsed = rec.LastUsedAt.Local().Format(time.DateTime)
		}
		owner := rec.OwnerID
		if owner == "" {
			owner = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%t\t%d\t%s\t%s\n",
			rec.ID, rec.Label, utils.MaskEmail(rec.Email), maskedToken(rec), rec.Tier, rec.Visibility,
			owner, rec.Active, rec.TotalRequests, lastUsed, utils.Truncate(rec.LastError, 60))
	}
	return tw.Flush()
}

func maskedToken(rec credential.Record) string {
	if rec.RefreshToken != "" {
		return utils.MaskKeyShort(rec.RefreshToken)
	}
	return "static " + utils.MaskKeyShort(rec.AccessToken)
}

func addCredential(ctx context.Context, s *stack, opts options) error {
	req := gateway.ImportRequest{
		RefreshToken: opts.refreshToken,
		AccessToken:  opts.accessToken,
		Email:        opts.email,
		ProjectID:    opts.projectID,
		Label:        opts.label,
		OwnerID:      opts.owner,
		Public:       opts.public,
	}
	rec, err := req.Record()
	if err != nil {
		return err
	}
	return addRecord(ctx, s, rec, opts.noVerify)
}

// importCredentials reads credential JSON files. Each file holds one object
// or an array of objects with the same fields as the admin import API.
func importCredentials(ctx context.Context, s *stack, opts options) error {
	if len(opts.positional) == 0 {
		return fmt.Errorf("import requires at least one file")
	}
	var failed int
	for _, path := range opts.positional {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		reqs, err := parseImportFile(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		for i, req := range reqs {
			if opts.owner != "" {
				req.OwnerID = opts.owner
			}
			if opts.public {
				req.Public = true
			}
			rec, err := req.Record()
			if err == nil {
				err = addRecord(ctx, s, rec, opts.noVerify)
			}
			if err != nil {
				printWarn(fmt.Sprintf("%s[%d]: %v", path, i, err))
				failed++
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d credential(s) could not be imported", failed)
	}
	return nil
}

// parseImportFile accepts a single credential object or an array of them.
func parseImportFile(data []byte) ([]gateway.ImportRequest, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid json")
	}
	var reqs []gateway.ImportRequest
	if gjson.ParseBytes(data).IsArray() {
		if err := json.Unmarshal(data, &reqs); err != nil {
			return nil, err
		}
		return reqs, nil
	}
	var req gateway.ImportRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return append(reqs, req), nil
}

func addRecord(ctx context.Context, s *stack, rec credential.Record, noVerify bool) error {
	if noVerify {
		rec.Active = true
		added, err := s.pool.Add(ctx, rec)
		if err != nil {
			return err
		}
		printSuccess(fmt.Sprintf("added %s (%s, not verified)", added.ID, added.Visibility))
		return nil
	}
	added, res, err := s.pool.Import(ctx, rec)
	if err != nil {
		return err
	}
	printVerifyResult(res)
	if res.Valid {
		printSuccess(fmt.Sprintf("added %s (%s, %s)", added.ID, added.Tier, added.Visibility))
	} else {
		printWarn(fmt.Sprintf("added %s but it is disabled until it verifies", added.ID))
	}
	return nil
}

func verifyCredentials(ctx context.Context, s *stack, opts options) error {
	if opts.all {
		results := s.pool.VerifyAll(ctx)
		valid := 0
		for _, res := range results {
			printVerifyResult(res)
			if res.Valid {
				valid++
			}
		}
		printInfo(fmt.Sprintf("%d of %d credentials valid", valid, len(results)))
		return nil
	}
	if len(opts.positional) != 1 {
		return fmt.Errorf("verify requires a credential id or --all")
	}
	res, err := s.pool.Verify(ctx, opts.positional[0])
	if err != nil {
		return err
	}
	printVerifyResult(res)
	return nil
}

func setCredentialActive(s *stack, opts options, active bool) error {
	if len(opts.positional) != 1 {
		return fmt.Errorf("a credential id is required")
	}
	rec, err := s.pool.SetActive(opts.positional[0], active)
	if err != nil {
		return err
	}
	state := "disabled"
	if rec.Active {
		state = "enabled"
	}
	printSuccess(fmt.Sprintf("%s %s", rec.ID, state))
	return nil
}

func printVerifyResult(res pool.VerifyResult) {
	name := res.ID
	if res.Label != "" {
		name = fmt.Sprintf("%s (%s)", res.ID, res.Label)
	}
	if res.Valid {
		details := []string{string(res.Tier)}
		if res.ProjectID != "" {
			details = append(details, "project "+res.ProjectID)
		}
		printSuccess(fmt.Sprintf("%s valid: %s", name, strings.Join(details, ", ")))
		return
	}
	printError(fmt.Sprintf("%s invalid: %s", name, res.Error))
}
