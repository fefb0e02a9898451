// Package costs reports GPU spend from AWS Cost Explorer: the month-to-date
// SageMaker and EC2 compute cost and its trend against the previous month.
package costs
