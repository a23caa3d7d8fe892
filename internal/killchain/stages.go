// Package killchain places correlated activity on a fixed 13-stage
// progression and predicts where it is likely to go next.
package killchain

import "strings"

// Stage is one step of the canonical kill chain.
type Stage string

const (
	Reconnaissance      Stage = "Reconnaissance"
	InitialAccess       Stage = "Initial Access"
	Execution           Stage = "Execution"
	Persistence         Stage = "Persistence"
	PrivilegeEscalation Stage = "Privilege Escalation"
	DefenseEvasion      Stage = "Defense Evasion"
	CredentialAccess    Stage = "Credential Access"
	Discovery           Stage = "Discovery"
	LateralMovement     Stage = "Lateral Movement"
	Collection          Stage = "Collection"
	CommandAndControl   Stage = "Command & Control"
	Exfiltration        Stage = "Exfiltration"
	Impact              Stage = "Impact"
)

// Canonical is the kill chain in progression order.
var Canonical = []Stage{
	Reconnaissance,
	InitialAccess,
	Execution,
	Persistence,
	PrivilegeEscalation,
	DefenseEvasion,
	CredentialAccess,
	Discovery,
	LateralMovement,
	Collection,
	CommandAndControl,
	Exfiltration,
	Impact,
}

// Order returns the position of s in Canonical, or -1.
func (s Stage) Order() int {
	for i, c := range Canonical {
		if c == s {
			return i
		}
	}
	return -1
}

type prefixRule struct {
	prefix string
	stage  Stage
}

// techniquePrefixes maps technique ids to stages. The first matching prefix
// wins, so sub-technique ids resolve through their parent.
var techniquePrefixes = []prefixRule{
	{"T1595", Reconnaissance},
	{"T1589", Reconnaissance},
	{"T1592", Reconnaissance},
	{"T1566", InitialAccess},
	{"T1190", InitialAccess},
	{"T1078", InitialAccess},
	{"T1133", InitialAccess},
	{"T1059", Execution},
	{"T1204", Execution},
	{"T1047", Execution},
	{"T1053", Persistence},
	{"T1547", Persistence},
	{"T1136", Persistence},
	{"T1543", Persistence},
	{"T1068", PrivilegeEscalation},
	{"T1548", PrivilegeEscalation},
	{"T1562", DefenseEvasion},
	{"T1070", DefenseEvasion},
	{"T1027", DefenseEvasion},
	{"T1110", CredentialAccess},
	{"T1003", CredentialAccess},
	{"T1558", CredentialAccess},
	{"T1555", CredentialAccess},
	{"T1087", Discovery},
	{"T1046", Discovery},
	{"T1082", Discovery},
	{"T1021", LateralMovement},
	{"T1550", LateralMovement},
	{"T1570", LateralMovement},
	{"T1560", Collection},
	{"T1005", Collection},
	{"T1114", Collection},
	{"T1071", CommandAndControl},
	{"T1105", CommandAndControl},
	{"T1572", CommandAndControl},
	{"T1041", Exfiltration},
	{"T1567", Exfiltration},
	{"T1048", Exfiltration},
	{"T1486", Impact},
	{"T1490", Impact},
	{"T1485", Impact},
}

// StageForTechnique maps a technique id to its stage. Unknown ids report false.
func StageForTechnique(id string) (Stage, bool) {
	id = strings.ToUpper(strings.TrimSpace(id))
	for _, r := range techniquePrefixes {
		if strings.HasPrefix(id, r.prefix) {
			return r.stage, true
		}
	}
	return "", false
}

type keywordGroup struct {
	stage    Stage
	keywords []string
}

// stageKeywords are matched against lowercased case content. Keywords must
// not collide with serialized field names or status values.
var stageKeywords = []keywordGroup{
	{Reconnaissance, []string{"reconnaissance", "port scan", "nmap", "masscan"}},
	{InitialAccess, []string{"phishing", "initial access", "exploit", "malicious attachment"}},
	{Execution, []string{"powershell", "cmd.exe", "macro", "script execution"}},
	{Persistence, []string{"persistence", "scheduled task", "schtasks", "run key", "new service installed"}},
	{PrivilegeEscalation, []string{"privilege escalation", "privesc", "uac bypass"}},
	{DefenseEvasion, []string{"defense evasion", "disabled defender", "edr tamper", "log cleared", "obfuscat"}},
	{CredentialAccess, []string{"credential", "password spray", "brute", "mimikatz", "lsass", "kerberoast"}},
	{Discovery, []string{"discovery", "enumeration", "whoami", "net view"}},
	{LateralMovement, []string{"lateral", "psexec", "wmiexec", "pass the hash", "remote desktop"}},
	{Collection, []string{"data staging", "staged data", "archive created", "collection"}},
	{CommandAndControl, []string{"beacon", "command and control", "c2 server", "c2 traffic", "cobalt strike"}},
	{Exfiltration, []string{"exfil", "large upload", "data transfer to"}},
	{Impact, []string{"ransom", "encrypted files", "wiper", "shadow copies deleted"}},
}

// stagesInText returns each stage with a keyword present in content, paired
// with the first keyword that matched.
func stagesInText(content string) map[Stage]string {
	found := make(map[Stage]string)
	for _, g := range stageKeywords {
		for _, kw := range g.keywords {
			if strings.Contains(content, kw) {
				found[g.stage] = kw
				break
			}
		}
	}
	return found
}
