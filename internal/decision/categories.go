package decision

import "killchain-advisor/internal/killchain"

// Category identifies a recommendation family.
type Category string

const (
	CategoryActiveIntrusion    Category = "active-intrusion"
	CategoryFootholdValidation Category = "foothold-validation"
	CategoryC2ExfilWatch       Category = "c2-exfil-watch"
	CategoryCredentialExposure Category = "credential-exposure"
)

type stagePoints struct {
	stage  killchain.Stage
	points int
}

type prefixPoints struct {
	prefix string
	points int
}

// weights is the fixed point table of one category. Every signal kind is
// scored independently and the sum is clamped to [0, 100].
type weights struct {
	stages      []stagePoints
	techniques  []prefixPoints
	perHop      int
	maxHop      int
	perOpenCase int
	maxOpenCase int
	riskPercent int
}

type category struct {
	id      Category
	title   string
	weights weights
	actions []string
	hunts   []string
}

var categories = []category{
	{
		id:    CategoryActiveIntrusion,
		title: "Possible active intrusion in progression",
		weights: weights{
			stages: []stagePoints{
				{killchain.LateralMovement, 25},
				{killchain.Impact, 20},
				{killchain.CredentialAccess, 10},
				{killchain.PrivilegeEscalation, 10},
			},
			techniques: []prefixPoints{
				{"T1021", 10},
				{"T1550", 10},
				{"T1486", 10},
			},
			perHop:      5,
			maxHop:      15,
			perOpenCase: 3,
			maxOpenCase: 15,
			riskPercent: 30,
		},
		actions: []string{
			"Review the campaign timeline and confirm which hosts are still active.",
			"Prepare an isolation plan for the affected devices for analyst approval.",
			"Brief the incident lead on the observed progression.",
		},
		hunts: []string{
			"Authentication events for the pivoting users across all hosts in the last 72 hours.",
			"Remote service creation and admin share access originating from affected devices.",
		},
	},
	{
		id:    CategoryFootholdValidation,
		title: "Validate execution, persistence and defense evasion",
		weights: weights{
			stages: []stagePoints{
				{killchain.Persistence, 20},
				{killchain.DefenseEvasion, 20},
				{killchain.Execution, 15},
			},
			techniques: []prefixPoints{
				{"T1562", 15},
				{"T1059", 10},
				{"T1053", 10},
				{"T1547", 10},
				{"T1070", 10},
			},
			perHop:      2,
			maxHop:      6,
			perOpenCase: 2,
			maxOpenCase: 10,
			riskPercent: 20,
		},
		actions: []string{
			"Collect autoruns and scheduled task inventories from affected devices.",
			"Verify endpoint protection is running and its policy is unchanged.",
		},
		hunts: []string{
			"Encoded or obfuscated script interpreter command lines.",
			"New services, run keys and scheduled tasks created in the campaign window.",
			"Security log clearing and protection tamper events.",
		},
	},
	{
		id:    CategoryC2ExfilWatch,
		title: "Watch for command and control and exfiltration",
		weights: weights{
			stages: []stagePoints{
				{killchain.CommandAndControl, 25},
				{killchain.Exfiltration, 25},
				{killchain.Collection, 10},
			},
			techniques: []prefixPoints{
				{"T1071", 10},
				{"T1572", 10},
				{"T1041", 10},
				{"T1567", 10},
				{"T1105", 5},
			},
			perHop:      3,
			maxHop:      9,
			perOpenCase: 2,
			maxOpenCase: 10,
			riskPercent: 20,
		},
		actions: []string{
			"Review egress volume from affected devices against their baseline.",
			"Identify destination domains and addresses for analyst review.",
		},
		hunts: []string{
			"Periodic outbound connections with low jitter from affected devices.",
			"Large or unusual uploads to file sharing and paste services.",
		},
	},
	{
		id:    CategoryCredentialExposure,
		title: "Review credential exposure",
		weights: weights{
			stages: []stagePoints{
				{killchain.CredentialAccess, 25},
				{killchain.Discovery, 10},
			},
			techniques: []prefixPoints{
				{"T1003", 20},
				{"T1110", 15},
				{"T1558", 15},
			},
			perHop:      5,
			maxHop:      10,
			perOpenCase: 2,
			maxOpenCase: 10,
			riskPercent: 20,
		},
		actions: []string{
			"List accounts used on affected devices and confirm their owners.",
			"Recommend credential resets for exposed accounts to the identity team.",
		},
		hunts: []string{
			"Failed authentication bursts and password spray patterns per source.",
			"Access to LSASS memory or credential stores on affected devices.",
		},
	},
}

// Guardrails are attached to every recommendation.
var Guardrails = []string{
	"Advisory only: the engine performs no automated action.",
	"Any containment or remediation requires analyst approval and is carried out outside this system.",
	"Confirm against current telemetry before acting; scores are heuristic.",
}
