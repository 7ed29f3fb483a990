package hostsec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandeptwidyaop/devflow/internal/sshconfig"
)

const ufwVerbose = `Status: active
Logging: on (low)
Default: deny (incoming), allow (outgoing), disabled (routed)
New profiles: skip

To                         Action      From
--                         ------      ----
22/tcp                     ALLOW IN    Anywhere
80,443/tcp                 ALLOW IN    Anywhere
3306                       DENY IN     10.0.0.0/8
`

func TestParseUFWStatus(t *testing.T) {
	st := ParseUFWStatus(ufwVerbose)
	assert.True(t, st.Installed)
	assert.True(t, st.Enabled)
	require.Len(t, st.Rules, 3)
	assert.Equal(t, UFWRule{To: "22/tcp", Action: "allow", From: "Anywhere", Raw: "22/tcp                     ALLOW IN    Anywhere"}, st.Rules[0])
	assert.Equal(t, "deny", st.Rules[2].Action)
	assert.Equal(t, "10.0.0.0/8", st.Rules[2].From)

	st = ParseUFWStatus("Status: inactive\n")
	assert.False(t, st.Enabled)
	assert.Empty(t, st.Rules)
}

func TestParseNumberedRules(t *testing.T) {
	out := `Status: active

     To                         Action      From
     --                         ------      ----
[ 1] 22/tcp                     ALLOW IN    Anywhere
[ 2] 8080                       LIMIT IN    203.0.113.4
[10] 22/tcp (v6)                ALLOW IN    Anywhere (v6)
`
	rules := ParseNumberedRules(out)
	require.Len(t, rules, 3)
	assert.Equal(t, 1, rules[0].Number)
	assert.Equal(t, "limit", rules[1].Action)
	assert.Equal(t, "203.0.113.4", rules[1].From)
	assert.Equal(t, 10, rules[2].Number)
	assert.Equal(t, "22/tcp (v6)", rules[2].To)
}

func TestValidators(t *testing.T) {
	for _, p := range []string{"22", "65535", "8000:8100", "ssh", "http-alt"} {
		assert.NoError(t, ValidatePort(p), p)
	}
	for _, p := range []string{"0", "70000", "9000:8000", "22;rm", "-x", ""} {
		assert.ErrorIs(t, ValidatePort(p), ErrInvalidPort, p)
	}
	assert.NoError(t, ValidateProtocol("udp"))
	assert.ErrorIs(t, ValidateProtocol("icmp"), ErrInvalidProtocol)
	assert.NoError(t, ValidateAction("limit"))
	assert.ErrorIs(t, ValidateAction("drop"), ErrInvalidAction)
	assert.NoError(t, ValidateSource("192.0.2.1"))
	assert.NoError(t, ValidateSource("2001:db8::/32"))
	assert.ErrorIs(t, ValidateSource("192.0.2.1; reboot"), ErrInvalidSource)
	assert.NoError(t, ValidateJail("nginx-http-auth"))
	assert.ErrorIs(t, ValidateJail("sshd;id"), ErrInvalidJail)
}

func TestParseFail2ban(t *testing.T) {
	assert.Equal(t, []string{"sshd", "nginx-http-auth"}, ParseJailList("Status\n|- Number of jail:\t2\n`- Jail list:\tsshd, nginx-http-auth\n"))
	assert.Empty(t, ParseJailList("Status\n"))

	out := `Status for the jail: sshd
|- Filter
|  |- Currently failed:	3
|  |- Total failed:	120
|  ` + "`" + `- File list:	/var/log/auth.log
` + "`" + `- Actions
   |- Currently banned:	2
   |- Total banned:	17
   ` + "`" + `- Banned IP list:	198.51.100.7 203.0.113.9
`
	js := ParseJailStatus("sshd", out)
	assert.Equal(t, JailStatus{
		Name: "sshd", CurrentlyFailed: 3, TotalFailed: 120, CurrentlyBanned: 2, TotalBanned: 17,
		BannedIPs: []string{"198.51.100.7", "203.0.113.9"},
	}, js)
}

func TestParseListeningPorts(t *testing.T) {
	out := `tcp   LISTEN 0      511          0.0.0.0:80        0.0.0.0:*
tcp   LISTEN 0      128          0.0.0.0:22        0.0.0.0:*
tcp   LISTEN 0      128             [::]:22           [::]:*
udp   UNCONN 0      0          127.0.0.53%lo:53      0.0.0.0:*
tcp   LISTEN 0      80         127.0.0.1:3306      0.0.0.0:*
`
	assert.Equal(t, []int{22, 80, 3306}, ParseListeningPorts(out))
}

func TestScore(t *testing.T) {
	hardened := sshconfig.Settings{Port: 2222, PubkeyAuthEnabled: true}
	secure := Findings{
		Firewall: true, FirewallFound: true, Fail2ban: true, Fail2banFound: true,
		SSH: &hardened, OpenPorts: []int{80, 443, 2222},
	}
	assert.Equal(t, 100, Score(secure))
	assert.Equal(t, "secure", RiskLevel(Score(secure)))
	assert.Empty(t, Recommendations(secure))

	exposed := Findings{OpenPorts: make([]int, 12), SecurityUpdates: 9}
	assert.Equal(t, 0, Score(exposed))
	assert.Equal(t, "critical", RiskLevel(0))
	recs := Recommendations(exposed)
	require.Len(t, recs, 6)
	assert.Equal(t, "Install UFW Firewall", recs[0].Title)
	assert.Equal(t, "updates", recs[5].Category)

	partial := Findings{Firewall: true, FirewallFound: true, Fail2banFound: true, SSH: &hardened, SecurityUpdates: 1}
	// 20 firewall + 10 port + 15 root + 15 password + 10 ports + 10 updates
	assert.Equal(t, 80, Score(partial))
	assert.Equal(t, "low", RiskLevel(80))
	assert.Equal(t, "Enable Fail2ban", Recommendations(partial)[0].Title)
}
