package report

// Condition is the clinical summary printed for a predicted class.
type Condition struct {
	FullName        string
	Severity        string
	Description     string
	Recommendations []string
}

var conditions = map[string]Condition{
	"AMD": {
		FullName:    "Age-Related Macular Degeneration",
		Severity:    "Moderate Risk",
		Description: "A progressive eye condition affecting the macula, leading to central vision loss.",
		Recommendations: []string{
			"Schedule comprehensive retinal examination within 2 weeks",
			"Consider AREDS2 vitamin supplementation after consultation",
			"Increase dietary intake of leafy greens and omega-3 fatty acids",
			"Monitor vision daily with Amsler grid for distortion",
			"Protect eyes from UV exposure with quality sunglasses",
			"Regular follow-up every 3-6 months recommended",
		},
	},
	"DR": {
		FullName:    "Diabetic Retinopathy",
		Severity:    "Requires Attention",
		Description: "Diabetes-related damage to retinal blood vessels that can lead to vision impairment.",
		Recommendations: []string{
			"Urgent ophthalmology referral for comprehensive diabetic eye exam",
			"Optimize glycemic control (target HbA1c <7.0%)",
			"Monitor and control blood pressure (<130/80 mmHg)",
			"Annual dilated fundus examination mandatory",
			"Consider OCT imaging to assess macular edema",
			"Immediate medical attention if sudden vision changes occur",
		},
	},
	"Glaucoma": {
		FullName:    "Glaucoma",
		Severity:    "High Priority",
		Description: "Progressive optic nerve damage often associated with elevated intraocular pressure.",
		Recommendations: []string{
			"Immediate ophthalmology consultation for IOP measurement",
			"Visual field testing and OCT imaging of optic nerve",
			"Initiate or optimize topical IOP-lowering therapy as prescribed",
			"Regular IOP monitoring every 3-4 months",
			"Assess for medication compliance and side effects",
			"Lifetime monitoring required to prevent irreversible vision loss",
		},
	},
	"Normal": {
		FullName:    "Normal Retina",
		Severity:    "No Abnormalities Detected",
		Description: "Retinal imaging shows no signs of pathological changes.",
		Recommendations: []string{
			"Continue routine comprehensive eye examinations every 1-2 years",
			"Maintain healthy lifestyle with balanced diet rich in antioxidants",
			"Protect eyes from UV radiation with certified sunglasses",
			"Monitor for any sudden changes in vision quality",
			"If diabetic or >60 years old, annual screening recommended",
			"Report any new symptoms promptly to eye care professional",
		},
	},
}

// ConditionFor returns the summary for label. Unknown labels get the
// "Normal" entry.
func ConditionFor(label string) Condition {
	if c, ok := conditions[label]; ok {
		return c
	}
	return conditions["Normal"]
}
