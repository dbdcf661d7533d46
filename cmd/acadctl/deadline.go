package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pitabwire/acadflow/internal/deadline"
	"github.com/pitabwire/acadflow/model"
)

func deadlineCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadline",
		Short: "Work with deadlines offline",
	}
	cmd.AddCommand(deadlineEvalCmd(v))
	return cmd
}

// deadlineEvalCmd runs the status calculator over a deadline described by
// flags. Times are RFC 3339.
func deadlineEvalCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Compute the status of a deadline at an instant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			typ, _ := flags.GetString("type")
			d := model.Deadline{Type: model.DeadlineType(strings.ToUpper(typ))}
			d.AllowLate, _ = flags.GetBool("allow-late")
			d.LockAfterDeadline, _ = flags.GetBool("lock")
			d.GracePeriodMinutes, _ = flags.GetInt("grace")

			var err error
			if d.DeadlineAt, err = optionalTime(cmd, "deadline-at"); err != nil {
				return err
			}
			if d.WindowStartAt, err = optionalTime(cmd, "window-start"); err != nil {
				return err
			}
			if d.WindowEndAt, err = optionalTime(cmd, "window-end"); err != nil {
				return err
			}
			if err := d.Validate(); err != nil {
				return err
			}

			now := time.Now().UTC()
			if at, err := optionalTime(cmd, "at"); err != nil {
				return err
			} else if at != nil {
				now = *at
			}

			var fact model.SubmissionFact
			submitted, err := optionalTime(cmd, "submitted-at")
			if err != nil {
				return err
			}
			if submitted != nil {
				fact = deadline.RecordSubmission(d, *submitted)
			}

			res := deadline.Evaluate(d, fact, now)
			effective := ""
			if res.EffectiveAt != nil {
				effective = res.EffectiveAt.Format(time.RFC3339)
			}
			rows := []table.Row{{res.Status, res.Locked, res.DaysLeft, res.Variant, effective}}
			return printTable(cmd.OutOrStdout(), v, res,
				table.Row{"Status", "Locked", "Days Left", "Variant", "Effective At"}, rows)
		},
	}
	cmd.Flags().String("type", string(model.DeadlineSubmission), "SUBMISSION or ANNOUNCEMENT")
	cmd.Flags().String("deadline-at", "", "hard deadline")
	cmd.Flags().String("window-start", "", "submission window start")
	cmd.Flags().String("window-end", "", "submission window end")
	cmd.Flags().Int("grace", 0, "grace period in minutes")
	cmd.Flags().Bool("allow-late", false, "accept submissions after the deadline")
	cmd.Flags().Bool("lock", false, "lock once the grace period has passed")
	cmd.Flags().String("submitted-at", "", "record a submission at this instant")
	cmd.Flags().String("at", "", "evaluate at this instant instead of now")
	return cmd
}

func optionalTime(cmd *cobra.Command, name string) (*time.Time, error) {
	raw, err := cmd.Flags().GetString(name)
	if err != nil || raw == "" {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	t = t.UTC()
	return &t, nil
}
