package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/paddock/pkg/types"
)

var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Manage alert rules",
}

var ruleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alert rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		rules, err := c.ListRules(cmd.Context())
		if err != nil {
			return err
		}

		rows := make([][]string, 0, len(rules))
		for _, r := range rules {
			cond := fmt.Sprintf("%s %s %g", r.Metric, r.Operator, r.Threshold)
			if r.DurationSeconds > 0 {
				cond += fmt.Sprintf(" for %ds", r.DurationSeconds)
			}
			enabled := "yes"
			if !r.Enabled {
				enabled = "no"
			}
			rows = append(rows, []string{
				r.ID, r.Name, cond, string(r.Severity), labelString(r.Labels), enabled,
			})
		}
		table([]string{"ID", "NAME", "CONDITION", "SEVERITY", "LABELS", "ENABLED"}, rows)
		return nil
	},
}

var ruleCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create an alert rule",
	Long: `Create a rule evaluated on every monitoring tick. The condition compares
samples of --metric against --threshold with --operator (gt, lt, ge, le,
eq, ne); --duration makes it hold only when the condition stayed true
that long. --label restricts the rule to matching label sets.

Example:
  paddock rule create high-cpu --metric host_cpu_percent --operator gt \
    --threshold 90 --duration 300s --severity critical --channel slack`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		metric, _ := cmd.Flags().GetString("metric")
		operator, _ := cmd.Flags().GetString("operator")
		threshold, _ := cmd.Flags().GetFloat64("threshold")
		duration, _ := cmd.Flags().GetDuration("duration")
		severity, _ := cmd.Flags().GetString("severity")
		labelPairs, _ := cmd.Flags().GetStringArray("label")
		channels, _ := cmd.Flags().GetStringArray("channel")
		disabled, _ := cmd.Flags().GetBool("disabled")

		labels, err := parseLabels(labelPairs)
		if err != nil {
			return err
		}

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		rule, err := c.CreateRule(cmd.Context(), &types.AlertRule{
			Name:            args[0],
			Metric:          metric,
			Operator:        types.AlertOperator(operator),
			Threshold:       threshold,
			DurationSeconds: int(duration.Seconds()),
			Labels:          labels,
			Severity:        types.AlertSeverity(severity),
			Channels:        channels,
			Enabled:         !disabled,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Rule created: %s (ID: %s)\n", rule.Name, rule.ID)
		return nil
	},
}

var ruleRemoveCmd = &cobra.Command{
	Use:   "remove RULE",
	Short: "Delete an alert rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		if err := c.DeleteRule(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Rule removed: %s\n", args[0])
		return nil
	},
}

var alertCmd = &cobra.Command{
	Use:   "alert",
	Short: "Inspect and work fired alerts",
}

var alertListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		severity, _ := cmd.Flags().GetString("severity")
		status, _ := cmd.Flags().GetString("status")

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		alerts, err := c.ListAlerts(cmd.Context(), types.AlertSeverity(severity), types.AlertStatus(status))
		if err != nil {
			return err
		}

		rows := make([][]string, 0, len(alerts))
		for _, a := range alerts {
			rows = append(rows, []string{
				a.ID, a.RuleName, string(a.Severity), string(a.Status),
				fmt.Sprintf("%g %s %g", a.Value, a.Operator, a.Threshold),
				labelString(a.Labels), ago(a.FiredAt),
			})
		}
		table([]string{"ID", "RULE", "SEVERITY", "STATUS", "VALUE", "LABELS", "FIRED"}, rows)
		return nil
	},
}

var alertAckCmd = &cobra.Command{
	Use:   "ack ALERT",
	Short: "Acknowledge an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		by, _ := cmd.Flags().GetString("by")
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		a, err := c.AcknowledgeAlert(cmd.Context(), args[0], by)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Alert %s acknowledged by %s\n", a.ID, a.AckedBy)
		return nil
	},
}

var alertResolveCmd = &cobra.Command{
	Use:   "resolve ALERT",
	Short: "Resolve an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		note, _ := cmd.Flags().GetString("note")
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		a, err := c.ResolveAlert(cmd.Context(), args[0], note)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Alert %s resolved\n", a.ID)
		return nil
	},
}

var notificationCmd = &cobra.Command{
	Use:   "notification",
	Short: "Inspect notification deliveries",
}

var notificationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notification deliveries",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		notifications, err := c.ListNotifications(cmd.Context(), types.NotificationStatus(status))
		if err != nil {
			return err
		}

		rows := make([][]string, 0, len(notifications))
		for _, n := range notifications {
			rows = append(rows, []string{
				n.ID, string(n.Channel), n.Target, string(n.Status),
				fmt.Sprintf("%d", n.Attempts), dash(n.LastError),
			})
		}
		table([]string{"ID", "CHANNEL", "TARGET", "STATUS", "ATTEMPTS", "ERROR"}, rows)
		return nil
	},
}

var notificationTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Send a test notification through a channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, _ := cmd.Flags().GetString("channel")
		target, _ := cmd.Flags().GetString("target")

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		if err := c.TestNotification(cmd.Context(), types.NotificationChannel(channel), target); err != nil {
			return err
		}
		fmt.Printf("✓ Test notification sent via %s\n", channel)
		return nil
	},
}

func init() {
	ruleCmd.AddCommand(ruleListCmd)
	ruleCmd.AddCommand(ruleCreateCmd)
	ruleCmd.AddCommand(ruleRemoveCmd)

	ruleCreateCmd.Flags().String("metric", "", "Metric name to evaluate")
	ruleCreateCmd.Flags().String("operator", "gt", "Comparison operator (gt, lt, ge, le, eq, ne)")
	ruleCreateCmd.Flags().Float64("threshold", 0, "Threshold value")
	ruleCreateCmd.Flags().Duration("duration", 0, "How long the condition must hold (0 checks the latest sample)")
	ruleCreateCmd.Flags().String("severity", "warning", "Severity (info, warning, critical)")
	ruleCreateCmd.Flags().StringArray("label", nil, "Only samples with this label, as key=value (repeatable)")
	ruleCreateCmd.Flags().StringArray("channel", nil, "Notification channel (email, slack, webhook; repeatable)")
	ruleCreateCmd.Flags().Bool("disabled", false, "Create the rule disabled")
	_ = ruleCreateCmd.MarkFlagRequired("metric")
	_ = ruleCreateCmd.MarkFlagRequired("threshold")

	alertCmd.AddCommand(alertListCmd)
	alertCmd.AddCommand(alertAckCmd)
	alertCmd.AddCommand(alertResolveCmd)

	alertListCmd.Flags().String("severity", "", "Only this severity (info, warning, critical)")
	alertListCmd.Flags().String("status", "", "Only this status (active, acknowledged, resolved)")
	alertAckCmd.Flags().String("by", "", "Who is acknowledging (required)")
	alertResolveCmd.Flags().String("note", "", "Resolution note")
	_ = alertAckCmd.MarkFlagRequired("by")

	notificationCmd.AddCommand(notificationListCmd)
	notificationCmd.AddCommand(notificationTestCmd)

	notificationListCmd.Flags().String("status", "", "Only this status (pending, sent, failed)")
	notificationTestCmd.Flags().String("channel", "", "Channel to exercise (email, slack, webhook)")
	notificationTestCmd.Flags().String("target", "", "Override the configured target")
	_ = notificationTestCmd.MarkFlagRequired("channel")
}
