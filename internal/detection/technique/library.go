// Package technique infers MITRE ATT&CK techniques from case content.
//
// The library and rule table are static and closed. Matching is
// case-insensitive substring containment; nothing is ranked or scored.
package technique

import "strings"

// Tactic names, matching the kill-chain stage names.
const (
	TacticReconnaissance      = "Reconnaissance"
	TacticInitialAccess       = "Initial Access"
	TacticExecution           = "Execution"
	TacticPersistence         = "Persistence"
	TacticPrivilegeEscalation = "Privilege Escalation"
	TacticDefenseEvasion      = "Defense Evasion"
	TacticCredentialAccess    = "Credential Access"
	TacticDiscovery           = "Discovery"
	TacticLateralMovement     = "Lateral Movement"
	TacticCollection          = "Collection"
	TacticCommandAndControl   = "Command & Control"
	TacticExfiltration        = "Exfiltration"
	TacticImpact              = "Impact"
)

// Technique is one library entry. Indicators are lowercase keywords matched
// against serialized case content.
type Technique struct {
	ID         string   `json:"id" yaml:"id"`
	Name       string   `json:"name" yaml:"name"`
	TacticID   string   `json:"tactic_id" yaml:"tactic_id"`
	Tactic     string   `json:"tactic" yaml:"tactic"`
	Indicators []string `json:"indicators,omitempty" yaml:"indicators,omitempty"`
}

// Rule maps keywords found in aggregated tags or text to a technique.
type Rule struct {
	Keywords    []string `json:"keywords" yaml:"keywords"`
	TechniqueID string   `json:"technique_id" yaml:"technique_id"`
}

var library = []Technique{
	{ID: "T1595", Name: "Active Scanning", TacticID: "TA0043", Tactic: TacticReconnaissance,
		Indicators: []string{"port scan", "nmap", "masscan", "vulnerability scan"}},
	{ID: "T1589", Name: "Gather Victim Identity Information", TacticID: "TA0043", Tactic: TacticReconnaissance,
		Indicators: []string{"email harvesting", "user enumeration"}},
	{ID: "T1566", Name: "Phishing", TacticID: "TA0001", Tactic: TacticInitialAccess,
		Indicators: []string{"phish", "malicious attachment", "credential harvesting page"}},
	{ID: "T1190", Name: "Exploit Public-Facing Application", TacticID: "TA0001", Tactic: TacticInitialAccess,
		Indicators: []string{"sql injection", "webshell", "web shell", "remote code execution"}},
	{ID: "T1078", Name: "Valid Accounts", TacticID: "TA0001", Tactic: TacticInitialAccess,
		Indicators: []string{"impossible travel", "stolen credentials", "login from new country"}},
	{ID: "T1059", Name: "Command and Scripting Interpreter", TacticID: "TA0002", Tactic: TacticExecution,
		Indicators: []string{"powershell", "cmd.exe", "encodedcommand", "wscript", "bash -c"}},
	{ID: "T1204", Name: "User Execution", TacticID: "TA0002", Tactic: TacticExecution,
		Indicators: []string{"macro enabled", "user opened attachment"}},
	{ID: "T1053", Name: "Scheduled Task/Job", TacticID: "TA0003", Tactic: TacticPersistence,
		Indicators: []string{"schtasks", "scheduled task", "crontab"}},
	{ID: "T1547", Name: "Boot or Logon Autostart Execution", TacticID: "TA0003", Tactic: TacticPersistence,
		Indicators: []string{"run key", "currentversion\\\\run", "startup folder", "autorun"}},
	{ID: "T1136", Name: "Create Account", TacticID: "TA0003", Tactic: TacticPersistence,
		Indicators: []string{"new local admin", "account created", "net user /add"}},
	{ID: "T1068", Name: "Exploitation for Privilege Escalation", TacticID: "TA0004", Tactic: TacticPrivilegeEscalation,
		Indicators: []string{"privilege escalation", "privesc", "kernel exploit"}},
	{ID: "T1548", Name: "Abuse Elevation Control Mechanism", TacticID: "TA0004", Tactic: TacticPrivilegeEscalation,
		Indicators: []string{"uac bypass", "sudo abuse", "setuid"}},
	{ID: "T1562", Name: "Impair Defenses", TacticID: "TA0005", Tactic: TacticDefenseEvasion,
		Indicators: []string{"disable defender", "antivirus disabled", "edr tamper", "set-mppreference"}},
	{ID: "T1070", Name: "Indicator Removal", TacticID: "TA0005", Tactic: TacticDefenseEvasion,
		Indicators: []string{"wevtutil cl", "clear event log", "log cleared", "timestomp"}},
	{ID: "T1027", Name: "Obfuscated Files or Information", TacticID: "TA0005", Tactic: TacticDefenseEvasion,
		Indicators: []string{"obfuscated", "base64 payload", "packed binary"}},
	{ID: "T1110", Name: "Brute Force", TacticID: "TA0006", Tactic: TacticCredentialAccess,
		Indicators: []string{"brute", "password spray", "credential stuffing"}},
	{ID: "T1003", Name: "OS Credential Dumping", TacticID: "TA0006", Tactic: TacticCredentialAccess,
		Indicators: []string{"mimikatz", "lsass", "credential dump", "ntds.dit"}},
	{ID: "T1558", Name: "Steal or Forge Kerberos Tickets", TacticID: "TA0006", Tactic: TacticCredentialAccess,
		Indicators: []string{"kerberoast", "golden ticket", "pass the ticket"}},
	{ID: "T1087", Name: "Account Discovery", TacticID: "TA0007", Tactic: TacticDiscovery,
		Indicators: []string{"whoami", "net user", "net group", "account discovery"}},
	{ID: "T1046", Name: "Network Service Discovery", TacticID: "TA0007", Tactic: TacticDiscovery,
		Indicators: []string{"internal scan", "service discovery", "port sweep"}},
	{ID: "T1021", Name: "Remote Services", TacticID: "TA0008", Tactic: TacticLateralMovement,
		Indicators: []string{"psexec", "rdp session", "winrm", "smb admin share", "wmiexec"}},
	{ID: "T1550", Name: "Use Alternate Authentication Material", TacticID: "TA0008", Tactic: TacticLateralMovement,
		Indicators: []string{"pass the hash", "pass-the-hash"}},
	{ID: "T1560", Name: "Archive Collected Data", TacticID: "TA0009", Tactic: TacticCollection,
		Indicators: []string{"7z a", "rar a", "archive staged", "data staging"}},
	{ID: "T1005", Name: "Data from Local System", TacticID: "TA0009", Tactic: TacticCollection,
		Indicators: []string{"bulk file access", "sensitive files collected"}},
	{ID: "T1071", Name: "Application Layer Protocol", TacticID: "TA0011", Tactic: TacticCommandAndControl,
		Indicators: []string{"beacon", "cobalt strike", "c2 callback", "command and control"}},
	{ID: "T1105", Name: "Ingress Tool Transfer", TacticID: "TA0011", Tactic: TacticCommandAndControl,
		Indicators: []string{"certutil -urlcache", "download cradle", "invoke-webrequest"}},
	{ID: "T1572", Name: "Protocol Tunneling", TacticID: "TA0011", Tactic: TacticCommandAndControl,
		Indicators: []string{"dns tunnel", "ngrok", "ssh tunnel"}},
	{ID: "T1041", Name: "Exfiltration Over C2 Channel", TacticID: "TA0010", Tactic: TacticExfiltration,
		Indicators: []string{"exfil", "large outbound transfer"}},
	{ID: "T1567", Name: "Exfiltration Over Web Service", TacticID: "TA0010", Tactic: TacticExfiltration,
		Indicators: []string{"mega.nz", "upload to dropbox", "pastebin", "rclone"}},
	{ID: "T1486", Name: "Data Encrypted for Impact", TacticID: "TA0040", Tactic: TacticImpact,
		Indicators: []string{"ransom", "files encrypted", "ransom note"}},
	{ID: "T1490", Name: "Inhibit System Recovery", TacticID: "TA0040", Tactic: TacticImpact,
		Indicators: []string{"vssadmin delete shadows", "shadow copies deleted", "bcdedit"}},
	{ID: "T1485", Name: "Data Destruction", TacticID: "TA0040", Tactic: TacticImpact,
		Indicators: []string{"wiper", "data destruction"}},
}

var rules = []Rule{
	{Keywords: []string{"recon", "scanning"}, TechniqueID: "T1595"},
	{Keywords: []string{"phishing"}, TechniqueID: "T1566"},
	{Keywords: []string{"exploit", "cve-"}, TechniqueID: "T1190"},
	{Keywords: []string{"valid-account", "account-takeover"}, TechniqueID: "T1078"},
	{Keywords: []string{"powershell", "script-execution"}, TechniqueID: "T1059"},
	{Keywords: []string{"scheduled-task", "cron"}, TechniqueID: "T1053"},
	{Keywords: []string{"persistence", "autostart"}, TechniqueID: "T1547"},
	{Keywords: []string{"privesc", "privilege-escalation"}, TechniqueID: "T1068"},
	{Keywords: []string{"defense-evasion", "av-tamper", "edr-tamper"}, TechniqueID: "T1562"},
	{Keywords: []string{"log-clearing", "anti-forensics"}, TechniqueID: "T1070"},
	{Keywords: []string{"bruteforce", "brute-force", "password-spray"}, TechniqueID: "T1110"},
	{Keywords: []string{"credential-dump", "credential-theft", "mimikatz"}, TechniqueID: "T1003"},
	{Keywords: []string{"kerberoasting"}, TechniqueID: "T1558"},
	{Keywords: []string{"discovery", "enumeration"}, TechniqueID: "T1087"},
	{Keywords: []string{"lateral", "psexec", "remote-service"}, TechniqueID: "T1021"},
	{Keywords: []string{"staging", "collection"}, TechniqueID: "T1560"},
	{Keywords: []string{"c2", "beacon", "command-and-control"}, TechniqueID: "T1071"},
	{Keywords: []string{"tunnel"}, TechniqueID: "T1572"},
	{Keywords: []string{"exfil", "data-theft"}, TechniqueID: "T1041"},
	{Keywords: []string{"ransomware"}, TechniqueID: "T1486"},
	{Keywords: []string{"wiper"}, TechniqueID: "T1485"},
}

// Library returns a copy of the technique library.
func Library() []Technique {
	out := make([]Technique, len(library))
	copy(out, library)
	return out
}

// Rules returns a copy of the keyword rule table.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// Lookup returns the library entry for a technique id. Sub-technique ids
// such as "T1110.003" resolve to their parent entry.
func Lookup(id string) (Technique, bool) {
	if i := strings.IndexByte(id, '.'); i >= 0 {
		id = id[:i]
	}
	for _, t := range library {
		if t.ID == id {
			return t, true
		}
	}
	return Technique{}, false
}
