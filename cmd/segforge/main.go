// segforge clones targeting definitions across markets and drives uploaded
// definitions through the remote review-and-approval workflow.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"segforge/internal/approval"
	"segforge/internal/browser"
	"segforge/internal/client"
	"segforge/internal/config"
	"segforge/internal/logging"
	"segforge/internal/market"
	"segforge/internal/remote"
	"segforge/internal/replicate"
	"segforge/internal/report"
	"segforge/internal/session"
)

var (
	cfgPath string
	verbose bool
	alias   string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "segforge",
	Short: "Clone targeting segments across markets and approve campaign uploads",
	Long: `segforge automates two pipelines against the targeting backend:

  clone          clone one segment under new names within its own market
  clone-markets  clone one segment into every other market, rewriting the
                 rule tree, query text, and market-specific references
  approve        upload segments to campaigns and drive them through the
                 review/approve/verify workflow

Credentials come from the local Firefox profile; an expired session is
refreshed by driving a real browser once.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(verbose)
		if err != nil {
			return err
		}
		if cfgPath == "" {
			cfgPath = config.DefaultPath()
		}
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// buildService wires the session, client, and remote service from config.
func buildService() (*remote.Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	profileDir := cfg.Session.ProfileDir
	if profileDir == "" {
		var err error
		profileDir, err = session.FindProfileDir()
		if err != nil {
			return nil, err
		}
	}
	store := &session.CookieStore{ProfileDir: profileDir}

	refresher := browser.NewRefresher(browser.Config{
		Bin:         cfg.Session.BrowserBin,
		UserDataDir: profileDir,
		Headless:    cfg.Session.Headless,
	}, cfg.Hosts.Segment, logger)

	hosts := []string{
		hostSuffix(cfg.Hosts.Segment),
		hostSuffix(cfg.Hosts.Campaign),
		hostSuffix(cfg.Hosts.Metrics),
	}
	provider := session.NewProvider(store, refresher, hosts, cfg.Hosts.Segment, logger)

	policy := client.DefaultPolicy()
	policy.MaxAttempts = cfg.HTTP.MaxAttempts
	policy.BackoffBase = cfg.HTTP.BackoffBase
	policy.ConnectTimeout = cfg.GetConnectTimeout()
	policy.ReadTimeout = cfg.GetReadTimeout()

	svc := remote.NewService(remote.Hosts{
		Segment:  cfg.Hosts.Segment,
		Campaign: cfg.Hosts.Campaign,
		Metrics:  cfg.Hosts.Metrics,
	}, client.New(policy, logger), provider, logger)
	svc.TZOffsetHours = cfg.Clone.TZOffsetHours
	return svc, nil
}

func hostSuffix(origin string) string {
	s := strings.TrimPrefix(origin, "https://")
	s = strings.TrimPrefix(s, "http://")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	return s
}

func resultSink() report.Sink {
	return report.MultiSink{
		&report.LogSink{Log: logger},
		report.NewCSVSink(cfg.Report.Dir),
	}
}

func cloneOptions() replicate.Options {
	return replicate.Options{
		Alias:         session.ResolveAlias(firstNonEmpty(alias, cfg.Session.Alias)),
		Destination:   cfg.Clone.Destination,
		UsageCategory: cfg.Clone.UsageCategory,
		TZOffsetHours: cfg.Clone.TZOffsetHours,
		SkipVerify:    cfg.Clone.SkipVerify,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

var cloneCmd = &cobra.Command{
	Use:   "clone <segment-id> <name>...",
	Short: "Clone a segment under new names within its own market",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sourceID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid segment id %q", args[0])
		}
		svc, err := buildService()
		if err != nil {
			return err
		}

		o := replicate.NewOrchestrator(svc, logger)
		results, err := o.CloneWithNames(context.Background(), sourceID, args[1:], cloneOptions())
		if err != nil {
			return err
		}
		return finishClone(results)
	},
}

var cloneMarketsCmd = &cobra.Command{
	Use:   "clone-markets <segment-id>",
	Short: "Clone a segment into every other market",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sourceID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid segment id %q", args[0])
		}
		svc, err := buildService()
		if err != nil {
			return err
		}

		o := replicate.NewOrchestrator(svc, logger)
		results, err := o.CloneAcrossMarkets(context.Background(), sourceID, cloneOptions())
		if err != nil {
			return err
		}
		return finishClone(results)
	},
}

func finishClone(results []replicate.Result) error {
	if err := resultSink().Write(report.CloneTable(results)); err != nil {
		return err
	}
	var failed int
	for _, r := range results {
		if !r.Succeeded() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d clones failed", failed, len(results))
	}
	return nil
}

var approveCmd = &cobra.Command{
	Use:   "approve <segment-id>:<campaign>...",
	Short: "Upload segments to campaigns and approve them",
	Long: `Each argument pairs a segment id with a campaign, separated by a colon.
The campaign part is a bare id or a campaign URL; a market id embedded in
the URL overrides the segment's own market.

  segforge approve 1733939602:1418903091 \
      1733939603:"https://campaigns.example.com/#/3/campaigns/1418903092"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs := make([]*approval.Job, 0, len(args))
		for _, arg := range args {
			defPart, campaignRef, ok := strings.Cut(arg, ":")
			if !ok {
				return fmt.Errorf("invalid pair %q, want <segment-id>:<campaign>", arg)
			}
			defID, err := strconv.ParseInt(strings.TrimSpace(defPart), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid segment id in %q", arg)
			}
			job, err := approval.NewJob(defID, campaignRef)
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}

		svc, err := buildService()
		if err != nil {
			return err
		}

		requester := session.ResolveAlias(firstNonEmpty(alias, cfg.Session.Alias))
		sm := approval.NewStateMachine(svc, logger)
		sm.Reviewer = requester
		sm.Requester = requester

		co := approval.NewCoordinator(svc, sm, logger)
		res := co.Run(context.Background(), jobs)

		if err := resultSink().Write(report.ApprovalTable(res)); err != nil {
			return err
		}
		var failed int
		for _, j := range res.Jobs {
			if j.State != approval.StateVerified {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d approval jobs did not verify", failed, len(res.Jobs))
		}
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <campaign>...",
	Short: "Print ingestion and approval counters for campaigns",
	Long: `Fetches the recipient ingestion metrics and the approved/uploaded
counters for each campaign. Arguments are bare campaign ids or campaign
URLs; a URL with an embedded market id pins the market, otherwise the
default market is assumed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := buildService()
		if err != nil {
			return err
		}
		requester := session.ResolveAlias(firstNonEmpty(alias, cfg.Session.Alias))

		var failed int
		for _, arg := range args {
			campaignID, marketID, err := approval.ParseCampaignRef(arg)
			if err != nil {
				return err
			}
			if marketID == 0 {
				marketID = market.CanonicalOrder[0]
			}
			log := logger.With(zap.Int64("campaignId", campaignID), zap.Int("marketId", marketID))

			ing, err := svc.LoadIngestionMetrics(context.Background(), campaignID)
			if err != nil {
				log.Warn("ingestion metrics unavailable", zap.Error(err))
				failed++
			} else {
				log.Info("ingestion",
					zap.Float64("unapprovedSubmitted", ing.UnapprovedSubmitted),
					zap.Float64("unapprovedSuccess", ing.UnapprovedSuccess),
					zap.Float64("submitted", ing.Submitted),
					zap.Float64("success", ing.Success))
			}

			appr, err := svc.LoadApprovalMetrics(context.Background(), campaignID, marketID, requester)
			if err != nil {
				log.Warn("approval metrics unavailable", zap.Error(err))
				failed++
			} else {
				log.Info("approval",
					zap.Int("approvedCount", appr.ApprovedCount),
					zap.Int("uploadedCount", appr.UploadedCount))
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d metric lookups failed", failed)
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config init",
	Short: "Write a default config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] != "init" {
			return fmt.Errorf("unknown config subcommand %q", args[0])
		}
		path := cfgPath
		if err := config.DefaultConfig().Save(path); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default ~/.segforge/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&alias, "alias", "", "requester alias (default: env or ~/.segforge/profile.json)")

	rootCmd.AddCommand(cloneCmd, cloneMarketsCmd, approveCmd, verifyCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
