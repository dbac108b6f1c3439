package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"

	// crypto libraries included for go-digest
	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/containerd/containerd/platforms"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dierbei/imagesync/config"
	"github.com/dierbei/imagesync/internal/version"
	"github.com/dierbei/imagesync/pkg/template"
	"github.com/dierbei/imagesync/reg"
	"github.com/dierbei/imagesync/transfer"
	"github.com/dierbei/imagesync/types"
	"github.com/dierbei/imagesync/types/ref"
)

const (
	usageDesc = `Utility for mirroring container images between registries
More details at https://github.com/dierbei/imagesync`
	// UserAgent sets the header on http requests
	UserAgent = "dierbei/imagesync"
)

type actionType int

const (
	actionCheck actionType = iota
	actionCopy
	actionMissing
)

type rootCmd struct {
	confFile  string
	verbosity string
	logopts   []string
	format    string // for Go template formatting of various commands
	missing   bool
	apiAddr   string
}

var (
	conf *Config
	log  *logrus.Logger
	rc   *reg.Reg
)

func init() {
	log = &logrus.Logger{
		Out:       os.Stderr,
		Formatter: new(logrus.TextFormatter),
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.InfoLevel,
	}
}

func NewRootCmd() *cobra.Command {
	rootOpts := rootCmd{}
	var rootTopCmd = &cobra.Command{
		Use:           "imagesync <cmd>",
		Short:         "Utility for mirroring container images",
		Long:          usageDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	var serverCmd = &cobra.Command{
		Use:   "server",
		Short: "run the imagesync server",
		Long:  `Sync images according to the configuration schedules.`,
		Args:  cobra.RangeArgs(0, 0),
		RunE:  rootOpts.runServer,
	}
	var checkCmd = &cobra.Command{
		Use:   "check",
		Short: "processes each sync entry once but skip actual copy",
		Long: `Processes each sync entry in the configuration file in order.
Manifests are checked to see if a copy is needed, but only log, skip copying.
The command returns after the last sync entry is finished.`,
		Args: cobra.RangeArgs(0, 0),
		RunE: rootOpts.runCheck,
	}
	var onceCmd = &cobra.Command{
		Use:   "once",
		Short: "processes each sync entry once, ignoring cron schedule",
		Long: `Processes each sync entry in the configuration file in order.
The command returns a non-zero exit code if any sync task failed.`,
		Args: cobra.RangeArgs(0, 0),
		RunE: rootOpts.runOnce,
	}
	var apiCmd = &cobra.Command{
		Use:   "api",
		Short: "run the imagesync HTTP API",
		Long: `Serve an HTTP API that syncs a single image per request.
GET /health returns OK, GET /imagesync?image=<src>&target=<tgt> runs a sync.`,
		Args: cobra.RangeArgs(0, 0),
		RunE: rootOpts.runAPI,
	}
	var configCmd = &cobra.Command{
		Use:   "config",
		Short: "Show the config",
		Long:  `Show the parsed config with defaults applied`,
		Args:  cobra.RangeArgs(0, 0),
		RunE:  rootOpts.runConfig,
	}
	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Show the version",
		Long:  `Show the version`,
		Args:  cobra.RangeArgs(0, 0),
		RunE:  rootOpts.runVersion,
	}

	rootTopCmd.PersistentFlags().StringVarP(&rootOpts.confFile, "config", "c", "", "Config file")
	rootTopCmd.PersistentFlags().StringVarP(&rootOpts.verbosity, "verbosity", "v", logrus.InfoLevel.String(), "Log level (debug, info, warn, error, fatal, panic)")
	rootTopCmd.PersistentFlags().StringArrayVar(&rootOpts.logopts, "logopt", []string{}, "Log options")
	versionCmd.Flags().StringVar(&rootOpts.format, "format", "{{printPretty .}}", "Format output with go template syntax")
	onceCmd.Flags().BoolVar(&rootOpts.missing, "missing", false, "Only copy tags that are missing on target")
	apiCmd.Flags().StringVar(&rootOpts.apiAddr, "addr", "127.0.0.1:3030", "Listen address for the HTTP API")

	_ = rootTopCmd.MarkPersistentFlagFilename("config")
	_ = serverCmd.MarkPersistentFlagRequired("config")
	_ = checkCmd.MarkPersistentFlagRequired("config")
	_ = onceCmd.MarkPersistentFlagRequired("config")
	_ = apiCmd.MarkPersistentFlagRequired("config")
	_ = configCmd.MarkPersistentFlagRequired("config")

	rootTopCmd.AddCommand(serverCmd)
	rootTopCmd.AddCommand(checkCmd)
	rootTopCmd.AddCommand(onceCmd)
	rootTopCmd.AddCommand(apiCmd)
	rootTopCmd.AddCommand(configCmd)
	rootTopCmd.AddCommand(versionCmd)

	rootTopCmd.PersistentPreRunE = rootOpts.rootPreRun
	return rootTopCmd
}

func (rootOpts *rootCmd) rootPreRun(cmd *cobra.Command, args []string) error {
	lvl, err := logrus.ParseLevel(rootOpts.verbosity)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	log.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	for _, opt := range rootOpts.logopts {
		if opt == "json" {
			log.Formatter = new(logrus.JSONFormatter)
		}
	}
	return nil
}

func (rootOpts *rootCmd) runVersion(cmd *cobra.Command, args []string) error {
	info := version.GetInfo()
	return template.Writer(os.Stdout, rootOpts.format, info)
}

// runConfig displays the parsed config with defaults applied
func (rootOpts *rootCmd) runConfig(cmd *cobra.Command, args []string) error {
	err := rootOpts.loadConf()
	if err != nil {
		return err
	}
	return ConfigWrite(conf, cmd.OutOrStdout())
}

// runOnce processes the file in one pass, ignoring cron
func (rootOpts *rootCmd) runOnce(cmd *cobra.Command, args []string) error {
	err := rootOpts.loadConf()
	if err != nil {
		return err
	}
	action := actionCopy
	if rootOpts.missing {
		action = actionMissing
	}
	ctx := cmd.Context()
	var mainErr error
	for _, s := range conf.Sync {
		err := rootOpts.process(ctx, s, action)
		if err != nil {
			if mainErr == nil {
				mainErr = err
			}
		}
	}
	return mainErr
}

// runServer stays running with cron scheduled tasks
func (rootOpts *rootCmd) runServer(cmd *cobra.Command, args []string) error {
	err := rootOpts.loadConf()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	var wg sync.WaitGroup
	var mainErr error
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	for _, s := range conf.Sync {
		s := s
		sched := s.Schedule
		if sched == "" && s.Interval != 0 {
			sched = "@every " + s.Interval.String()
		}
		if sched == "" {
			log.WithFields(logrus.Fields{
				"source": s.Source,
				"target": s.Target,
				"type":   s.Type,
			}).Error("No schedule or interval found, ignoring")
			continue
		}
		log.WithFields(logrus.Fields{
			"source": s.Source,
			"target": s.Target,
			"type":   s.Type,
			"sched":  sched,
		}).Debug("Scheduled task")
		_, errCron := c.AddFunc(sched, func() {
			log.WithFields(logrus.Fields{
				"source": s.Source,
				"target": s.Target,
				"type":   s.Type,
			}).Debug("Running task")
			wg.Add(1)
			defer wg.Done()
			err := rootOpts.process(ctx, s, actionCopy)
			if mainErr == nil {
				mainErr = err
			}
		})
		if errCron != nil {
			log.WithFields(logrus.Fields{
				"source": s.Source,
				"target": s.Target,
				"sched":  sched,
				"err":    errCron,
			}).Error("Failed to schedule cron")
			if mainErr == nil {
				mainErr = errCron
			}
			continue
		}
		// immediately copy any images that are missing from target
		err := rootOpts.process(ctx, s, actionMissing)
		if err != nil {
			if mainErr == nil {
				mainErr = err
			}
		}
	}
	c.Start()
	// wait on interrupt signal
	done := ctx.Done()
	if done != nil {
		<-done
	}
	log.WithFields(logrus.Fields{}).Info("Stopping server")
	// clean shutdown
	c.Stop()
	log.WithFields(logrus.Fields{}).Debug("Waiting on running tasks")
	wg.Wait()
	return mainErr
}

// runCheck is used for a dry-run
func (rootOpts *rootCmd) runCheck(cmd *cobra.Command, args []string) error {
	err := rootOpts.loadConf()
	if err != nil {
		return err
	}
	var mainErr error
	ctx := cmd.Context()
	for _, s := range conf.Sync {
		err := rootOpts.process(ctx, s, actionCheck)
		if err != nil {
			if mainErr == nil {
				mainErr = err
			}
		}
	}
	return mainErr
}

func (rootOpts *rootCmd) loadConf() error {
	var err error
	if rootOpts.confFile == "-" {
		conf, err = ConfigLoadReader(os.Stdin)
		if err != nil {
			return err
		}
	} else if rootOpts.confFile != "" {
		conf, err = ConfigLoadFile(rootOpts.confFile)
		if err != nil {
			return err
		}
	} else {
		return ErrMissingInput
	}
	// build the registry client, injecting logins from the config file
	rcOpts := []reg.Opts{
		reg.WithLog(log),
	}
	if conf.Defaults.UserAgent != "" {
		rcOpts = append(rcOpts, reg.WithUserAgent(conf.Defaults.UserAgent))
	} else {
		info := version.GetInfo()
		if info.VCSTag != "" {
			rcOpts = append(rcOpts, reg.WithUserAgent(UserAgent+" ("+info.VCSTag+")"))
		} else if info.VCSRef != "" {
			rcOpts = append(rcOpts, reg.WithUserAgent(UserAgent+" ("+info.VCSRef+")"))
		} else {
			rcOpts = append(rcOpts, reg.WithUserAgent(UserAgent))
		}
	}
	rcHosts := []*config.Host{}
	for _, cred := range conf.Creds {
		host := credsToHost(cred)
		rcHosts = append(rcHosts, &host)
	}
	if len(rcHosts) > 0 {
		rcOpts = append(rcOpts, reg.WithConfigHosts(rcHosts))
	}
	rc = reg.New(rcOpts...)
	return nil
}

// newEngine builds a transfer engine for a sync entry
func (rootOpts *rootCmd) newEngine(s ConfigSync) (*transfer.Engine, error) {
	engOpts := []transfer.EngineOpts{
		transfer.WithEngineLog(log),
	}
	if conf.Defaults.BlobLimit > 0 {
		engOpts = append(engOpts, transfer.WithBlobLimit(conf.Defaults.BlobLimit))
	}
	if conf.Defaults.Attempts > 0 {
		engOpts = append(engOpts, transfer.WithAttempts(conf.Defaults.Attempts))
	}
	if conf.Defaults.RetryInit > 0 && conf.Defaults.RetryMax > 0 {
		engOpts = append(engOpts, transfer.WithRetryDelays(conf.Defaults.RetryInit, conf.Defaults.RetryMax))
	}
	if s.Platform != "" {
		plat, err := platforms.Parse(s.Platform)
		if err != nil {
			log.WithFields(logrus.Fields{
				"platform": s.Platform,
				"err":      err,
			}).Error("Could not parse platform")
			return nil, fmt.Errorf("failed to parse platform %s: %w", s.Platform, err)
		}
		engOpts = append(engOpts, transfer.WithPlatform(plat))
	}
	return transfer.NewEngine(rc, engOpts...), nil
}

// process a sync entry
func (rootOpts *rootCmd) process(ctx context.Context, s ConfigSync, action actionType) error {
	jobs, err := rootOpts.syncJobs(ctx, s, action)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}
	eng, err := rootOpts.newEngine(s)
	if err != nil {
		return err
	}
	if action == actionCheck {
		var mainErr error
		for _, j := range jobs {
			needed, err := eng.Check(ctx, j)
			if err != nil {
				log.WithFields(logrus.Fields{
					"source": j.Source.CommonName(),
					"target": j.Target.CommonName(),
					"error":  err,
				}).Error("Failed to check image")
				if mainErr == nil {
					mainErr = err
				}
				continue
			}
			if needed {
				log.WithFields(logrus.Fields{
					"source": j.Source.CommonName(),
					"target": j.Target.CommonName(),
				}).Info("Image sync needed")
			} else {
				log.WithFields(logrus.Fields{
					"source": j.Source.CommonName(),
					"target": j.Target.CommonName(),
				}).Debug("Image matches")
			}
		}
		return mainErr
	}
	workers := conf.Defaults.Parallel
	if workers <= 0 {
		workers = 1
	}
	coord := transfer.NewCoordinator(eng,
		transfer.WithWorkers(workers),
		transfer.WithCoordinatorLog(log))
	results := coord.Run(ctx, jobs)
	var mainErr error
	for _, res := range results {
		if res.Err == nil {
			continue
		}
		log.WithFields(logrus.Fields{
			"source": res.Job.Source.CommonName(),
			"target": res.Job.Target.CommonName(),
			"kind":   res.Kind.String(),
			"error":  res.Err,
		}).Error("Failed to sync image")
		if mainErr == nil {
			mainErr = fmt.Errorf("sync of %s failed%.0w: %w", res.Job.Source.CommonName(), ErrSyncFailed, res.Err)
		}
	}
	return mainErr
}

// syncJobs expands a sync entry into the list of jobs to run
func (rootOpts *rootCmd) syncJobs(ctx context.Context, s ConfigSync, action actionType) ([]*transfer.Job, error) {
	switch s.Type {
	case "image":
		src, tgt, err := parseRefPair(s.Source, s.Target)
		if err != nil {
			return nil, err
		}
		if action == actionMissing {
			_, err := rc.ManifestHead(ctx, tgt)
			if err == nil {
				log.WithFields(logrus.Fields{
					"target": tgt.CommonName(),
				}).Debug("Target exists")
				return nil, nil
			}
			if !errors.Is(err, types.ErrNotFound) {
				return nil, err
			}
		}
		return []*transfer.Job{transfer.NewJob(src, tgt)}, nil
	case "repository":
		return rootOpts.repoJobs(ctx, s, action)
	default:
		log.WithFields(logrus.Fields{
			"source": s.Source,
			"target": s.Target,
			"type":   s.Type,
		}).Error("Type not recognized, must be one of: image or repository")
		return nil, ErrInvalidInput
	}
}

// repoJobs lists the source tags and builds a job per matching tag
func (rootOpts *rootCmd) repoJobs(ctx context.Context, s ConfigSync, action actionType) ([]*transfer.Job, error) {
	sRepoRef, err := ref.New(s.Source)
	if err != nil {
		log.WithFields(logrus.Fields{
			"source": s.Source,
			"error":  err,
		}).Error("Failed parsing source")
		return nil, err
	}
	tRepoRef, err := ref.New(s.Target)
	if err != nil {
		log.WithFields(logrus.Fields{
			"target": s.Target,
			"error":  err,
		}).Error("Failed parsing target")
		return nil, err
	}
	sTags, err := rc.TagList(ctx, sRepoRef)
	if err != nil {
		log.WithFields(logrus.Fields{
			"source": sRepoRef.CommonName(),
			"error":  err,
		}).Error("Failed getting source tags")
		return nil, err
	}
	sTagList, err := filterList(s.Tags, sTags.Tags)
	if err != nil {
		log.WithFields(logrus.Fields{
			"source": sRepoRef.CommonName(),
			"allow":  s.Tags.Allow,
			"deny":   s.Tags.Deny,
			"error":  err,
		}).Error("Failed processing tag filters")
		return nil, err
	}
	if len(sTagList) == 0 {
		log.WithFields(logrus.Fields{
			"source":    sRepoRef.CommonName(),
			"allow":     s.Tags.Allow,
			"deny":      s.Tags.Deny,
			"available": sTags.Tags,
		}).Warn("No matching tags found")
		return nil, nil
	}
	// if only copying missing entries, drop tags that already exist on target
	if action == actionMissing {
		tTags, err := rc.TagList(ctx, tRepoRef)
		if err != nil {
			log.WithFields(logrus.Fields{
				"target": tRepoRef.CommonName(),
				"error":  err,
			}).Debug("Failed getting target tags")
		} else {
			tTagSet := map[string]bool{}
			for _, tag := range tTags.Tags {
				tTagSet[tag] = true
			}
			keep := make([]string, 0, len(sTagList))
			for _, tag := range sTagList {
				if !tTagSet[tag] {
					keep = append(keep, tag)
				}
			}
			sTagList = keep
		}
	}
	jobs := make([]*transfer.Job, 0, len(sTagList))
	for _, tag := range sTagList {
		src := sRepoRef
		src.Tag = tag
		tgt := tRepoRef
		tgt.Tag = tag
		jobs = append(jobs, transfer.NewJob(src, tgt))
	}
	return jobs, nil
}

func parseRefPair(source, target string) (ref.Ref, ref.Ref, error) {
	src, err := ref.New(source)
	if err != nil {
		log.WithFields(logrus.Fields{
			"source": source,
			"error":  err,
		}).Error("Failed parsing source")
		return ref.Ref{}, ref.Ref{}, err
	}
	tgt, err := ref.New(target)
	if err != nil {
		log.WithFields(logrus.Fields{
			"target": target,
			"error":  err,
		}).Error("Failed parsing target")
		return ref.Ref{}, ref.Ref{}, err
	}
	return src, tgt, nil
}

// filterList trims a list according to allow and deny regex lists
func filterList(ad ConfigTags, in []string) ([]string, error) {
	var result []string
	// apply allow list
	if len(ad.Allow) > 0 {
		result = make([]string, len(in))
		for _, filter := range ad.Allow {
			exp, err := regexp.Compile("^" + filter + "$")
			if err != nil {
				return result, err
			}
			for i := range in {
				if result[i] == "" && exp.MatchString(in[i]) {
					result[i] = in[i]
				}
			}
		}
	} else {
		// by default, everything is allowed
		result = in
	}

	// apply deny list
	if len(ad.Deny) > 0 {
		for _, filter := range ad.Deny {
			exp, err := regexp.Compile("^" + filter + "$")
			if err != nil {
				return result, err
			}
			for i := range result {
				if result[i] != "" && exp.MatchString(result[i]) {
					result[i] = ""
				}
			}
		}
	}

	// compress result list, removing empty elements
	var compressed = make([]string, 0, len(in))
	for i := range result {
		if result[i] != "" {
			compressed = append(compressed, result[i])
		}
	}

	return compressed, nil
}
