package grading

// Component score ceilings. Continuous assessment marks are capped per
// component, the exam carries the remaining weight of the 100-point total.
const (
	MaxCA   = 10
	MaxExam = 60
)

// Band maps a minimum total to a letter grade and remark.
type Band struct {
	MinTotal int    `json:"min_total"`
	Grade    string `json:"grade"`
	Remark   string `json:"remark"`
}

// Policy is an ordered grading scale, highest threshold first. Totals at
// a boundary take the boundary's grade.
type Policy struct {
	Name  string `json:"name"`
	Bands []Band `json:"bands"`
}

// Standard is the six-band scale used by default.
var Standard = Policy{
	Name: "standard",
	Bands: []Band{
		{MinTotal: 70, Grade: "A", Remark: "Excellent"},
		{MinTotal: 60, Grade: "B", Remark: "Very Good"},
		{MinTotal: 50, Grade: "C", Remark: "Good"},
		{MinTotal: 45, Grade: "D", Remark: "Fair"},
		{MinTotal: 40, Grade: "E", Remark: "Pass"},
		{MinTotal: 0, Grade: "F", Remark: "Fail"},
	},
}

// Legacy is the older four-band scale, kept selectable for schools that
// still report against it.
var Legacy = Policy{
	Name: "legacy",
	Bands: []Band{
		{MinTotal: 70, Grade: "A", Remark: "Excellent"},
		{MinTotal: 55, Grade: "C", Remark: "Credit"},
		{MinTotal: 40, Grade: "P", Remark: "Pass"},
		{MinTotal: 0, Grade: "F", Remark: "Fail"},
	},
}

// ByName resolves a configured scale name, defaulting to Standard.
func ByName(name string) Policy {
	if name == Legacy.Name {
		return Legacy
	}
	return Standard
}

// Grade resolves the letter grade and remark for a total.
func (p Policy) Grade(total int) (string, string) {
	for _, band := range p.Bands {
		if total >= band.MinTotal {
			return band.Grade, band.Remark
		}
	}
	return "F", "Fail"
}

// ClampCA bounds a continuous assessment mark into [0, MaxCA].
func ClampCA(v int) int {
	return clamp(v, 0, MaxCA)
}

// ClampExam bounds an exam mark into [0, MaxExam].
func ClampExam(v int) int {
	return clamp(v, 0, MaxExam)
}

// Total clamps each component and returns the exact sum.
func Total(ca1, ca2, ca3, ca4, exam int) int {
	return ClampCA(ca1) + ClampCA(ca2) + ClampCA(ca3) + ClampCA(ca4) + ClampExam(exam)
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
