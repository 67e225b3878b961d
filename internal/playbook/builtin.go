package playbook

// Builtins returns the seed playbooks compiled into the binary. Seeds
// cover the finding types the system sees constantly; they ship at the
// confidence their fix strategies have earned in the field and are never
// persisted back to disk.
func Builtins() []FixPlaybook {
	return []FixPlaybook{
		{
			PlaybookID:  "PB-SQLI-NODE-EXPRESS-001",
			FindingType: "SQL_INJECTION",
			Language:    "nodejs",
			Framework:   "express",
			ContextConstraints: []ConstraintSet{
				{Name: "node-express", Language: "nodejs", Framework: "express"},
			},
			FixStrategy: FixStrategy{
				Description: "Replace string-concatenated SQL with parameterized queries",
				Template: `const result = await db.query(
  'SELECT * FROM {{table}} WHERE {{column}} = $1',
  [{{value}}]
);`,
				Tests: []string{
					"verify query uses placeholders, not template literals",
					"run existing integration tests against the touched route",
				},
				Rollback: "revert to the previous query and re-open the finding",
			},
			Confidence:         0.92,
			ApprovalPolicy:     ApprovalAutoApply,
			AutoApplyThreshold: 0.90,
			Source:             SourceBuiltin,
		},
		{
			PlaybookID:  "PB-XSS-REFLECTED-001",
			FindingType: "XSS_REFLECTED",
			FixStrategy: FixStrategy{
				Description: "HTML-escape user input before interpolation into responses",
				Template:    "res.send(escapeHtml({{value}}))",
				Tests: []string{
					"verify payload <script>alert(1)</script> renders inert",
				},
				Rollback: "revert the escaping wrapper",
			},
			Confidence:     0.78,
			ApprovalPolicy: ApprovalHumanReview,
			Source:         SourceBuiltin,
		},
		{
			PlaybookID:  "PB-SECRET-IN-REPO-001",
			FindingType: "HARDCODED_SECRET",
			FixStrategy: FixStrategy{
				Description: "Move the literal secret to the environment and rotate it",
				Template:    "{{name}} = os.environ[\"{{env_var}}\"]",
				Tests: []string{
					"verify the secret no longer appears in the tree",
					"verify the old credential has been revoked",
				},
				Rollback: "restore config from the secret manager, never from the repo",
			},
			// Rotation touches shared credentials, so a single reviewer
			// is not enough regardless of confidence.
			Confidence:     0.85,
			ApprovalPolicy: ApprovalTeam,
			Source:         SourceBuiltin,
		},
	}
}
