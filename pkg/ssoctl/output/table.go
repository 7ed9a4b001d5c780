package output

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/telekom/ssoctl/pkg/session"
	"github.com/telekom/ssoctl/pkg/sso"
)

func WriteAccountTable(w io.Writer, accounts []sso.Account) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ACCOUNT_ID\tNAME\tEMAIL")
	for _, a := range accounts {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", a.AccountID, dash(a.AccountName), dash(a.EmailAddress))
	}
	_ = tw.Flush()
}

func WriteRoleTable(w io.Writer, roles []sso.Role) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ACCOUNT_ID\tROLE")
	for _, r := range roles {
		_, _ = fmt.Fprintf(tw, "%s\t%s\n", r.AccountID, r.RoleName)
	}
	_ = tw.Flush()
}

func WriteStatusTable(w io.Writer, st session.Status) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	state := "logged out"
	switch {
	case st.LoginInProgress:
		state = "login in progress"
	case st.Authenticated:
		state = "authenticated"
	}
	_, _ = fmt.Fprintf(tw, "STATE:\t%s\n", state)
	if st.Authenticated {
		_, _ = fmt.Fprintf(tw, "REGION:\t%s\n", st.Region)
		_, _ = fmt.Fprintf(tw, "START_URL:\t%s\n", st.StartURL)
		_, _ = fmt.Fprintf(tw, "STARTED:\t%s\n", formatTime(st.StartedAt))
		_, _ = fmt.Fprintf(tw, "EXPIRES:\t%s\n", formatTime(st.ExpiresAt))
		_, _ = fmt.Fprintf(tw, "REMAINING:\t%s\n", FormatRemaining(st.Remaining))
		_, _ = fmt.Fprintf(tw, "TOKEN_EXPIRES:\t%s\n", formatTime(st.TokenExpiresAt))
	}
	_ = tw.Flush()
}

func WriteCredentialsTable(w io.Writer, creds sso.RoleCredentials) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ACCOUNT_ID\tROLE\tACCESS_KEY_ID\tEXPIRES")
	_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", creds.AccountID, creds.RoleName, creds.AccessKeyID, formatTime(creds.Expiration))
	_ = tw.Flush()
}

// WriteCredentialsEnv prints shell export statements for creds.
func WriteCredentialsEnv(w io.Writer, creds sso.RoleCredentials, region string) {
	for _, kv := range creds.Environ(region) {
		k, v, _ := strings.Cut(kv, "=")
		_, _ = fmt.Fprintf(w, "export %s=%s\n", k, shellQuote(v))
	}
}

// FormatRemaining renders d as h/m/s rounded down to the second.
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	return d.Truncate(time.Second).String()
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:+=", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
