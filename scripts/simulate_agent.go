package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ocmt/control-plane/pkg/sdk"
)

func main() {
	baseURL := os.Getenv("OCMT_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	token := os.Getenv("OCMT_AGENT_TOKEN")
	if token == "" {
		log.Fatal("❌ OCMT_AGENT_TOKEN is required (mint one through your sandbox)")
	}

	client := sdk.NewClient(sdk.Config{
		BaseURL: baseURL,
		Token:   token,
		OnBlocked: func(e *sdk.APIError) {
			fmt.Printf("🚫 Relay refused the call: %s\n", e.Message)
		},
	})
	ctx := context.Background()

	fmt.Println("🤖 Agent Starting: Repo Audit Agent")

	// 1. Prove the ephemeral token is good before doing anything else.
	fmt.Println("📡 Connecting to control plane...")
	status, err := client.ValidateToken(ctx)
	if err != nil {
		log.Fatalf("❌ Token validation failed: %v", err)
	}
	if !status.Valid {
		log.Fatal("❌ Token rejected, mint a fresh one and retry")
	}
	fmt.Printf("✅ Identity verified, acting for owner %s\n", status.UserID)
	if status.NeedsRefresh {
		fmt.Println("⚠️  Token is inside its refresh window")
	}

	// 2. Ask the owner for a day of read access to their GitHub resource.
	fmt.Println("\n🤔 Intent formed: audit repository dependencies")
	fmt.Println("⏳ Requesting capability from the owner...")

	approval, err := client.RequestApproval(ctx, sdk.ApprovalRequest{
		SubjectPublicKey: "agent-repo-audit-01",
		Resource:         "github",
		Scope:            []string{sdk.PermRead, sdk.PermList},
		ExpiresPreset:    "24h",
		Reason:           "nightly dependency audit",
	})
	if err != nil {
		log.Fatalf("❌ Approval request failed: %v", err)
	}
	fmt.Printf("🎟️  Approval filed: %s (status: %s)\n", approval.ID, approval.Status)
	if len(approval.ExceedsCeiling) > 0 {
		fmt.Printf("⚠️  Above the subject ceiling: %v\n", approval.ExceedsCeiling)
	}

	// 3. The owner decides in their dashboard. Try to collect once; a
	// pending approval answers with a conflict, which is fine here.
	time.Sleep(1 * time.Second)
	issued, err := client.ConfirmIssued(ctx, approval.ID, approval.Token)
	if err != nil {
		fmt.Printf("↩️  Not collectable yet (%v), the owner has not decided\n", err)
	} else {
		fmt.Printf("✅ Capability issued, expires %s\n", issued.ExpiresAt.Format(time.RFC3339))
	}

	// 4. Report an observation into the owner's alert pipeline.
	err = client.TriggerAlert(ctx, sdk.AlertEvent{
		EventType: "agent.simulation",
		GroupID:   "repo-audit-demo",
		Title:     "Simulated agent run",
		Message:   "The demo agent completed a control plane round trip",
		Severity:  sdk.SeverityInfo,
	})
	if err != nil {
		log.Fatalf("❌ Alert trigger failed: %v", err)
	}
	fmt.Println("\n📊 Observation reported to the alert pipeline")

	// 5. With a granted resource, plain HTTP travels the relay unchanged.
	if resourceID := os.Getenv("OCMT_GITHUB_RESOURCE_ID"); resourceID != "" {
		relayed := sdk.WrapHTTPClient(client, map[string]string{"api.github.com": resourceID}, nil)
		resp, err := relayed.Get("https://api.github.com/repos/acme/widget/issues?state=open")
		if err != nil {
			log.Fatalf("❌ Relayed call failed: %v", err)
		}
		resp.Body.Close()
		fmt.Printf("✅ Relayed GitHub call answered %d\n", resp.StatusCode)
	}

	fmt.Println("\n✅ Simulation complete")
}
