package main

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"conduit/features/ingest"
	"conduit/features/source"
)

var (
	sourceTypeFlag        string
	sourceNameFlag        string
	sourceIdentityFlag    string
	sourceParamsFlag      string
	sourceCredentialsFlag string
)

var SourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage connector sources",
	Long: `Register, list and delete the sources a tenant ingests from.

Params and credentials are JSON objects. Credentials are stored with the
source and never printed.

Examples:
  conduit sources add --type sql --name orders \
    --params '{"driver":"postgres","queries":[{"name":"orders","table":"orders","text_column":"body","id_column":"id"}]}' \
    --credentials '{"dsn":"postgres://..."}'
  conduit sources add --type rest --name tickets \
    --params '{"url":"https://api.example.com/tickets","records_path":"data","id_field":"id"}'
  conduit sources list
  conduit sources delete 6b1f...`,
}

var sourcesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a source",
	RunE:  runSourcesAdd,
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active sources",
	RunE:  runSourcesList,
}

var sourcesDeleteCmd = &cobra.Command{
	Use:   "delete <source-id>",
	Short: "Soft-delete a source",
	Args:  cobra.ExactArgs(1),
	RunE:  runSourcesDelete,
}

func init() {
	SourcesCmd.AddCommand(sourcesAddCmd)
	SourcesCmd.AddCommand(sourcesListCmd)
	SourcesCmd.AddCommand(sourcesDeleteCmd)

	f := sourcesAddCmd.Flags()
	f.StringVar(&sourceTypeFlag, "type", "", "Source type: sql, rest, transcription, url or local_file")
	f.StringVar(&sourceNameFlag, "name", "", "Display name")
	f.StringVar(&sourceIdentityFlag, "identity", "", "Lookup key (defaults to the name)")
	f.StringVar(&sourceParamsFlag, "params", "{}", "Connector params as JSON")
	f.StringVar(&sourceCredentialsFlag, "credentials", "{}", "Connector credentials as JSON")
	_ = sourcesAddCmd.MarkFlagRequired("type")
	_ = sourcesAddCmd.MarkFlagRequired("name")
}

func runSourcesAdd(cmd *cobra.Command, _ []string) error {
	tenant, err := requireTenant()
	if err != nil {
		return err
	}
	src := &source.Source{
		Type:     source.Type(sourceTypeFlag),
		Name:     sourceNameFlag,
		Identity: sourceIdentityFlag,
		Active:   true,
	}
	if err := json.Unmarshal([]byte(sourceParamsFlag), &src.Params); err != nil {
		return errors.Mark(errors.Wrap(err, "--params"), ingest.ErrInvalid)
	}
	if err := json.Unmarshal([]byte(sourceCredentialsFlag), &src.Credentials); err != nil {
		return errors.Mark(errors.Wrap(err, "--credentials"), ingest.ErrInvalid)
	}
	if err := application.Service.CreateSource(cmd.Context(), tenant, src); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), src)
}

func runSourcesList(cmd *cobra.Command, _ []string) error {
	tenant, err := requireTenant()
	if err != nil {
		return err
	}
	sources, err := application.Service.ListSources(cmd.Context(), tenant)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), sources)
}

func runSourcesDelete(cmd *cobra.Command, args []string) error {
	tenant, err := requireTenant()
	if err != nil {
		return err
	}
	if err := application.Service.DeleteSource(cmd.Context(), tenant, args[0]); err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), "deleted", args[0])
	return err
}
