package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"AgentPay-Chain/sdk/go/agentpay"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/payments", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(agentpay.Payment{
				BlockchainIdentifier:    "chain-demo",
				IdentifierFromPurchaser: "buyer-salt",
				PayByTime:               time.Now().Add(12 * time.Hour).UTC(),
				SubmitResultTime:        time.Now().Add(24 * time.Hour).UTC(),
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/payments/chain-demo/refresh", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(agentpay.Payment{
			BlockchainIdentifier: "chain-demo",
			OnChainState:         "FundsLocked",
		})
	})
	mux.HandleFunc("/api/v1/payments/chain-demo/submit-result", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(agentpay.Payment{
			BlockchainIdentifier: "chain-demo",
			OnChainState:         "ResultSubmitted",
			ResultHash:           "3e25960a79dbc69b674cd4ec67a72c62",
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := agentpay.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created, err := client.CreatePayment(ctx, agentpay.PaymentCreation{
		IdentifierFromPurchaser: "buyer-salt",
		InputData:               map[string]any{"goal": "translate the whitepaper"},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("created payment %s\n", created.BlockchainIdentifier)

	refreshed, err := client.RefreshPayment(ctx, created.BlockchainIdentifier)
	if err != nil {
		panic(err)
	}
	fmt.Printf("on-chain state is now %s\n", refreshed.OnChainState)

	submitted, err := client.SubmitResult(ctx, created.BlockchainIdentifier, map[string]any{
		"translation_uri": "s3://bucket/whitepaper-zh.pdf",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("result submitted, hash=%s state=%s\n", submitted.ResultHash, submitted.OnChainState)
}
