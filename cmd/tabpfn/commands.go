package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/PentesterFlow/tabpfn-client/internal/dataset"
	"github.com/PentesterFlow/tabpfn-client/internal/output"
	"github.com/PentesterFlow/tabpfn-client/internal/progress"
	"github.com/PentesterFlow/tabpfn-client/pkg/tabpfn"
)

// =============================================================================
// Registry commands
// =============================================================================

func (a *app) endpointsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "endpoints",
		Short: "List the endpoints of the selected environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.registry(cmd)
			if err != nil {
				return err
			}

			return a.w.Endpoints(reg)
		},
	}
}

func (a *app) urlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "url <endpoint>",
		Short: "Print the full URL of an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.registry(cmd)
			if err != nil {
				return err
			}
			url, err := reg.BuildURL(args[0])
			if err != nil {
				return err
			}
			if a.w.Format() == output.JSON {
				return a.w.JSON(map[string]string{"endpoint": args[0], "url": url})
			}
			fmt.Fprintln(a.out, url)
			return nil
		},
	}
}

// =============================================================================
// Account commands
// =============================================================================

func (a *app) loginCmd() *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and cache the access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, false, func(ctx context.Context, c *tabpfn.Client) error {
				var err error
				if email, err = a.prompt("Email", email); err != nil {
					return err
				}
				if password, err = a.prompt("Password", password); err != nil {
					return err
				}
				if _, err := c.Login(ctx, email, password); err != nil {
					return err
				}
				return a.w.Message("Login successful, access token cached.")
			})
		},
	}
	cmd.Flags().StringVarP(&email, "email", "u", "", "Account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Account password")
	return cmd
}

func (a *app) registerCmd() *cobra.Command {
	var email, password, company, useCase string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, false, func(ctx context.Context, c *tabpfn.Client) error {
				var err error
				if email, err = a.prompt("Email", email); err != nil {
					return err
				}

				ok, reason, err := c.ValidateEmail(ctx, email)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("email rejected: %s", reason)
				}

				policy, err := c.PasswordPolicy(ctx)
				if err != nil {
					return err
				}
				if password == "" {
					fmt.Fprintf(a.err, "Password requirements: %s\n", strings.Join(policy.Strings(), ", "))
				}
				if password, err = a.prompt("Password", password); err != nil {
					return err
				}
				if failed := policy.Test(password); len(failed) > 0 {
					var names []string
					for _, r := range failed {
						names = append(names, r.String())
					}
					return fmt.Errorf("password does not meet the requirements: %s", strings.Join(names, ", "))
				}

				extra := map[string]string{}
				if company != "" {
					extra["company"] = company
				}
				if useCase != "" {
					extra["use_case"] = useCase
				}

				message, err := c.Register(ctx, email, password, password, extra)
				if err != nil {
					if message != "" {
						return fmt.Errorf("%s: %w", message, err)
					}
					return err
				}
				return a.printMessages(message, "Check your inbox and run 'tabpfn verify <code>'.")
			})
		},
	}
	cmd.Flags().StringVarP(&email, "email", "u", "", "Account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Account password")
	cmd.Flags().StringVar(&company, "company", "", "Company or institution")
	cmd.Flags().StringVar(&useCase, "use-case", "", "Intended use case")
	return cmd
}

func (a *app) verifyCmd() *cobra.Command {
	var resend bool

	cmd := &cobra.Command{
		Use:   "verify [code]",
		Short: "Verify the account email",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Verification works with an unverified token.
			return a.withClient(cmd, false, func(ctx context.Context, c *tabpfn.Client) error {
				if _, err := c.Init(ctx); err != nil && !stderrors.Is(err, tabpfn.ErrEmailNotVerified) {
					return initError(err)
				}
				if resend {
					message, err := c.SendVerificationEmail(ctx)
					if err != nil {
						return err
					}
					return a.printMessages(message)
				}
				if len(args) == 0 {
					return fmt.Errorf("verification code is required")
				}
				message, err := c.VerifyEmail(ctx, args[0])
				if err != nil {
					return err
				}
				return a.printMessages(message)
			})
		},
	}
	cmd.Flags().BoolVar(&resend, "resend", false, "Send the verification email again")
	return cmd
}

func (a *app) accountCmd() *cobra.Command {
	accountCmd := &cobra.Command{
		Use:   "account",
		Short: "Manage the account",
	}

	var password string
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete the account and all its data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, true, func(ctx context.Context, c *tabpfn.Client) error {
				var err error
				if password, err = a.prompt("Confirm password", password); err != nil {
					return err
				}
				if err := c.DeleteUserAccount(ctx, password); err != nil {
					return err
				}
				return a.w.Message("Account deleted.")
			})
		},
	}
	deleteCmd.Flags().StringVarP(&password, "password", "p", "", "Account password")

	var email string
	resetPasswordCmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Send a password reset email",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, false, func(ctx context.Context, c *tabpfn.Client) error {
				var err error
				if email, err = a.prompt("Email", email); err != nil {
					return err
				}
				message, err := c.SendResetPasswordEmail(ctx, email)
				if err != nil {
					return err
				}
				return a.printMessages(message)
			})
		},
	}
	resetPasswordCmd.Flags().StringVarP(&email, "email", "u", "", "Account email")

	accountCmd.AddCommand(deleteCmd, resetPasswordCmd)
	return accountCmd
}

func (a *app) resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Forget the cached access token and registration progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, false, func(ctx context.Context, c *tabpfn.Client) error {
				if err := c.Reset(); err != nil {
					return err
				}
				return a.w.Message("Cached credentials removed.")
			})
		},
	}
}

func (a *app) usageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show the API credit usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, true, func(ctx context.Context, c *tabpfn.Client) error {
				u, err := c.APIUsage(ctx)
				if err != nil {
					return err
				}
				return a.w.Usage(u)
			})
		},
	}
}

// =============================================================================
// Inference
// =============================================================================

// printEstimate reports the estimated cost of the predictions on stderr.
func (a *app) printEstimate(cl *tabpfn.Classifier, enabled bool) {
	if !enabled {
		return
	}
	est := cl.Estimate()
	fmt.Fprintf(a.err, "Estimated usage: %s credits, about %.1fs of server time over %d call(s)\n",
		strconv.FormatFloat(est.Credits, 'f', -1, 64), est.Seconds, est.Calls)
}

func (a *app) predictCmd() *cobra.Command {
	var trainX, trainY, testX, headerMode string
	var proba, argmax, checkCredits bool
	var estimators int

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Fit on a train set and predict a test set (CSV files)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			header, err := dataset.ParseHeader(headerMode)
			if err != nil {
				return err
			}
			x, err := dataset.ReadMatrixFile(trainX, header)
			if err != nil {
				return fmt.Errorf("failed to read train features: %w", err)
			}
			y, err := dataset.ReadLabelsFile(trainY, header)
			if err != nil {
				return fmt.Errorf("failed to read train labels: %w", err)
			}
			xt, err := dataset.ReadMatrixFile(testX, header)
			if err != nil {
				return fmt.Errorf("failed to read test features: %w", err)
			}

			return a.withClient(cmd, true, func(ctx context.Context, c *tabpfn.Client) error {
				opts := []tabpfn.ClassifierOption{tabpfn.WithEstimators(estimators)}
				if argmax {
					opts = append(opts, tabpfn.WithArgmaxPredict())
				}
				if checkCredits {
					opts = append(opts, tabpfn.WithCreditCheck())
				}
				cl := tabpfn.NewClassifier(c, opts...)

				if err := cl.Fit(ctx, x, y); err != nil {
					return err
				}

				if proba {
					p, err := cl.PredictProba(ctx, xt)
					if err != nil {
						return err
					}
					a.printEstimate(cl, checkCredits)
					return a.w.Probabilities(p)
				}

				pred, err := cl.Predict(ctx, xt)
				if err != nil {
					return err
				}
				a.printEstimate(cl, checkCredits)
				return a.w.Predictions(pred)
			})
		},
	}
	cmd.Flags().StringVar(&trainX, "train-x", "", "CSV file with the train features")
	cmd.Flags().StringVar(&trainY, "train-y", "", "CSV file with the train labels")
	cmd.Flags().StringVar(&testX, "test-x", "", "CSV file with the test features")
	cmd.Flags().BoolVar(&proba, "proba", false, "Print class probabilities instead of labels")
	cmd.Flags().BoolVar(&argmax, "argmax", false, "Derive labels from the probabilities")
	cmd.Flags().BoolVar(&checkCredits, "check-credits", false, "Fail early when the credits do not cover the call")
	cmd.Flags().IntVar(&estimators, "estimators", 0, "Ensemble size (0 keeps the server default)")
	cmd.Flags().StringVar(&headerMode, "header", "auto", "Whether the CSV files start with a header row (auto, yes, no)")
	cmd.MarkFlagRequired("train-x")
	cmd.MarkFlagRequired("train-y")
	cmd.MarkFlagRequired("test-x")
	return cmd
}

// =============================================================================
// Data commands
// =============================================================================

func (a *app) dataCmd() *cobra.Command {
	dataCmd := &cobra.Command{
		Use:   "data",
		Short: "Manage the data stored on the server",
	}

	summaryCmd := &cobra.Command{
		Use:   "summary",
		Short: "Show a summary of the uploaded data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, true, func(ctx context.Context, c *tabpfn.Client) error {
				summary, err := c.DataSummary(ctx)
				if err != nil {
					return err
				}
				return a.w.JSON(summary)
			})
		},
	}

	var dir string
	var quiet bool
	downloadCmd := &cobra.Command{
		Use:   "download",
		Short: "Download all data as a zip archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, true, func(ctx context.Context, c *tabpfn.Client) error {
				var opts []tabpfn.DownloadOption
				var d *progress.Display
				if !quiet {
					d = progress.New(a.err, "download")
					d.Start()
					opts = append(opts, tabpfn.WithProgress(d))
				}

				path, err := c.DownloadAllData(ctx, dir, opts...)
				if d != nil {
					d.Stop()
				}
				if err != nil {
					return err
				}
				if a.w.Format() == output.JSON {
					return a.w.JSON(map[string]string{"path": path})
				}
				fmt.Fprintf(a.out, "Data saved to %s\n", path)
				return nil
			})
		},
	}
	downloadCmd.Flags().StringVarP(&dir, "dir", "d", ".", "Directory to save the archive in")
	downloadCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Hide the progress line")

	deleteCmd := &cobra.Command{
		Use:   "delete <dataset-uid>",
		Short: "Delete a dataset and the datasets derived from it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, true, func(ctx context.Context, c *tabpfn.Client) error {
				deleted, err := c.DeleteDataset(ctx, args[0])
				if err != nil {
					return err
				}
				return a.w.Deleted(deleted)
			})
		},
	}

	deleteAllCmd := &cobra.Command{
		Use:   "delete-all",
		Short: "Delete all datasets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, true, func(ctx context.Context, c *tabpfn.Client) error {
				deleted, err := c.DeleteAllDatasets(ctx)
				if err != nil {
					return err
				}
				return a.w.Deleted(deleted)
			})
		},
	}

	dataCmd.AddCommand(summaryCmd, downloadCmd, deleteCmd, deleteAllCmd)
	return dataCmd
}
