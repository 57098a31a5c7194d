// cmd/tablectl is the CLI client for a peer's admin API, built with
// Cobra.
//
// Usage:
//
//	tablectl table create widgets CRU n=DOUBLE label=STRING --server http://localhost:9000
//	tablectl tx begin                                        --server http://localhost:9000
//	tablectl tx set <txid> widgets --field n=DOUBLE:1.5       --server http://localhost:9000
//	tablectl tx get <txid> widgets <id>                       --server http://localhost:9000
//	tablectl tx commit <txid>                                 --server http://localhost:9000
//	tablectl chunk ls widgets                                 --server http://localhost:9000
//	tablectl cluster nodes                                    --server http://localhost:9000
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sharedtable/internal/revision"
	"sharedtable/internal/tableclient"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "tablectl",
		Short: "CLI client for a shared-table-store peer",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:9000", "peer admin API address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")

	root.AddCommand(tableCmd(), txCmd(), chunkCmd(), clusterCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func tableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "table",
		Short: "Table management commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <name> <CR|CRU> <field=TYPE>...",
		Short: "Create a table with the given schema",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, typ, fieldArgs := args[0], args[1], args[2:]
			fields := make([]tableclient.FieldSpec, 0, len(fieldArgs))
			for _, f := range fieldArgs {
				kv := strings.SplitN(f, "=", 2)
				if len(kv) != 2 {
					return fmt.Errorf("want field=TYPE, got %q", f)
				}
				fields = append(fields, tableclient.FieldSpec{Name: kv[0], Type: kv[1]})
			}
			c := tableclient.New(serverAddr, timeout)
			resp, err := c.CreateTable(context.Background(), name, typ, fields)
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List hosted tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := tableclient.New(serverAddr, timeout)
			resp, err := c.ListTables(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	})

	return cmd
}

func txCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tx",
		Short: "Transaction commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "begin",
		Short: "Begin a new transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := tableclient.New(serverAddr, timeout)
			txID, err := c.BeginTx(context.Background())
			if err != nil {
				return err
			}
			fmt.Println(txID)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <txid> <table> <id>",
		Short: "Read a row within a transaction",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := tableclient.New(serverAddr, timeout)
			resp, err := c.Get(context.Background(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	})

	var fieldArgs []string
	setCmd := &cobra.Command{
		Use:   "set <txid> <table> [id]",
		Short: "Insert (omit id) or update (give id) a row within a transaction",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 3 {
				id = args[2]
			}
			fields, err := parseFieldAssignments(fieldArgs)
			if err != nil {
				return err
			}
			c := tableclient.New(serverAddr, timeout)
			resp, err := c.Set(context.Background(), args[0], args[1], id, fields)
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
	setCmd.Flags().StringArrayVar(&fieldArgs, "field", nil, "name=TYPE:value, repeatable")
	cmd.AddCommand(setCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "commit <txid>",
		Short: "Commit a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := tableclient.New(serverAddr, timeout)
			result, err := c.Commit(context.Background(), args[0])
			if err != nil {
				return err
			}
			if len(result.Conflicts) > 0 {
				fmt.Println("commit failed, conflicts:")
				prettyPrint(result.Conflicts)
				return nil
			}
			fmt.Println("committed")
			return nil
		},
	})

	return cmd
}

func chunkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chunk",
		Short: "Chunk introspection commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ls <table>",
		Short: "List resident chunk ids for a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := tableclient.New(serverAddr, timeout)
			resp, err := c.ListChunks(context.Background(), args[0])
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	})

	return cmd
}

func clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Cluster membership commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "nodes",
		Short: "List this peer's self address and known peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := tableclient.New(serverAddr, timeout)
			resp, err := c.Peers(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	})

	return cmd
}

// parseFieldAssignments turns "name=TYPE:value" flags into a
// map[string]revision.FieldValue suitable for a set request.
func parseFieldAssignments(specs []string) (map[string]revision.FieldValue, error) {
	out := make(map[string]revision.FieldValue, len(specs))
	for _, spec := range specs {
		nameRest := strings.SplitN(spec, "=", 2)
		if len(nameRest) != 2 {
			return nil, fmt.Errorf("want name=TYPE:value, got %q", spec)
		}
		typeValue := strings.SplitN(nameRest[1], ":", 2)
		if len(typeValue) != 2 {
			return nil, fmt.Errorf("want name=TYPE:value, got %q", spec)
		}
		name, typeStr, valueStr := nameRest[0], typeValue[0], typeValue[1]

		ft, err := revision.ParseFieldType(typeStr)
		if err != nil {
			return nil, err
		}
		fv, err := parseFieldValue(ft, valueStr)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		out[name] = fv
	}
	return out, nil
}

func parseFieldValue(ft revision.FieldType, s string) (revision.FieldValue, error) {
	switch ft {
	case revision.BLOB:
		return revision.NewBlob([]byte(s)), nil
	case revision.DOUBLE:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return revision.FieldValue{}, err
		}
		return revision.NewDouble(v), nil
	case revision.HASH128:
		id, err := revision.IDFromHex(s)
		if err != nil {
			return revision.FieldValue{}, err
		}
		return revision.NewHash128([16]byte(id)), nil
	case revision.INT32:
		v, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return revision.FieldValue{}, err
		}
		return revision.NewInt32(int32(v)), nil
	case revision.UINT32:
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return revision.FieldValue{}, err
		}
		return revision.NewUint32(uint32(v)), nil
	case revision.INT64:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return revision.FieldValue{}, err
		}
		return revision.NewInt64(v), nil
	case revision.UINT64:
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return revision.FieldValue{}, err
		}
		return revision.NewUint64(v), nil
	case revision.STRING:
		return revision.NewString(s), nil
	case revision.BOOL:
		v, err := strconv.ParseBool(s)
		if err != nil {
			return revision.FieldValue{}, err
		}
		return revision.NewBool(v), nil
	default:
		return revision.FieldValue{}, fmt.Errorf("unsupported field type %v", ft)
	}
}

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
