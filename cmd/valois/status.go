package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/Demosthene27/valois-sdk/rpc"
)

var (
	statusRPCAddr string
	statusJSON    bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the node status",
	Long: `Query the status of a running Valois node via JSON-RPC.

Example:
  valois status
  valois status --rpc http://localhost:7887`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusRPCAddr, "rpc", "http://127.0.0.1:7887", "JSON-RPC server address")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	reqBody := []byte(`{"jsonrpc":"2.0","id":1,"method":"getNodeInfo"}`)

	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	resp, err := client.Post(statusRPCAddr, "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("cannot connect to node at %s: %w", statusRPCAddr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node returned status %d", resp.StatusCode)
	}

	var rpcResp struct {
		Result rpc.NodeInfo `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("RPC error: %s (code: %d)", rpcResp.Error.Message, rpcResp.Error.Code)
	}

	info := rpcResp.Result

	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Println("Node Status")
	fmt.Println("===========")
	fmt.Printf("Chain ID:         %s\n", info.ChainID)
	fmt.Printf("Network Version:  %s\n", info.NetworkVersion)
	fmt.Printf("Peer ID:          %s\n", info.PeerID)
	fmt.Println()
	fmt.Println("Chain")
	fmt.Println("-----")
	fmt.Printf("Height:           %d\n", info.Height)
	fmt.Printf("Tip ID:           %s\n", info.TipID.String())
	fmt.Printf("Finalized Height: %d\n", info.FinalizedHeight)
	fmt.Printf("Syncing:          %v\n", info.Syncing)
	fmt.Println()
	fmt.Println("Network")
	fmt.Println("-------")
	fmt.Printf("Peers:            %d\n", info.PeerCount)
	fmt.Printf("Pool Size:        %d\n", info.PoolSize)

	return nil
}
