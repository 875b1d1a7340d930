package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "encode FILE",
		Short: "Print a credential file as a single-line base64 value",
		Long:  "Encodes a service account key or token file for GOOGLE_CREDENTIALS_BASE64 / GOOGLE_TOKEN_BASE64.",
		Args:  cobra.ExactArgs(1),
		Run:   runEncode,
	}
	cmd.Flags().String("var", "", "Prefix the output with NAME= for pasting into an env file")
	RootCmd.AddCommand(cmd)
}

// encodeFile base64-encodes path after checking that it holds a JSON object.
func encodeFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var obj map[string]any
	if err := json.Unmarshal(b, &obj); err != nil {
		return "", fmt.Errorf("%s is not a JSON object: %w", path, err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func runEncode(cmd *cobra.Command, args []string) {
	name, _ := cmd.Flags().GetString("var")
	out, err := encodeFile(args[0])
	if err != nil {
		exitErr("encode", err)
	}
	if name != "" {
		out = name + "=" + out
	}
	fmt.Println(out)
}
