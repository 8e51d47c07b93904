// Command modelscan lists the Anthropic foundation models available to the
// configured AWS account and region. Useful for discovering new backend ids
// to add to the registry catalog.
//
//	AWS_ACCESS_KEY_ID=... AWS_SECRET_ACCESS_KEY=... ./modelscan
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/nulpointcorp/bedrock-gateway/internal/bedrock"
	"github.com/nulpointcorp/bedrock-gateway/internal/config"
)

func main() {
	provider := flag.String("provider", "Anthropic", "filter models by provider name")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var opts []bedrock.Option
	if cfg.Bedrock.SessionToken != "" {
		opts = append(opts, bedrock.WithSessionToken(cfg.Bedrock.SessionToken))
	}
	if cfg.Bedrock.EndpointURL != "" {
		opts = append(opts, bedrock.WithEndpointURL(cfg.Bedrock.EndpointURL))
	}
	client := bedrock.New(cfg.Bedrock.AccessKey, cfg.Bedrock.SecretKey, cfg.Bedrock.Region, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	models, err := client.ListFoundationModels(ctx, *provider)
	if err != nil {
		log.Fatalf("list foundation models: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL ID\tNAME\tPROVIDER")
	for _, m := range models {
		fmt.Fprintf(w, "%s\t%s\t%s\n", m.ModelID, m.ModelName, m.ProviderName)
	}
	w.Flush()
}
